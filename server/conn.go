package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/coderunner/driver"
	"github.com/guseggert/coderunner/runner/packet"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

// maxCloseReason is the longest reason that fits in a close frame.
const maxCloseReason = 123

// container is a driver container owned by a connection.
type container struct {
	driver.Container

	m      sync.Mutex
	proc   driver.Process
	cancel context.CancelFunc
}

func (c *container) running() (driver.Process, context.CancelFunc) {
	c.m.Lock()
	defer c.m.Unlock()
	return c.proc, c.cancel
}

type upload struct {
	ctr      *container
	path     string
	size     int
	data     []byte
	received bool
}

// conn handles the runner protocol for one client connection.
// Packets are handled in order on the read loop; executions run on their own goroutines.
type conn struct {
	log    *zap.SugaredLogger
	srv    *Server
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	containers map[string]*container
	pending    *upload
	execs      errgroup.Group

	closeOnce sync.Once
}

func (c *conn) run() {
	defer c.shutdown()
	for {
		typ, b, err := c.ws.Read(c.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				c.log.Debug("got normal closure from client, wrapping up")
			default:
				c.log.Debugf("message reader got error: %s", err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			if err := c.uploadData(b); err != nil {
				c.sendError(err)
			}
			continue
		}

		p, err := packet.Decode(b)
		if err == nil {
			c.log.Debugw("received packet", "Type", p.Type)
			err = c.handle(p)
		}
		if errors.Is(err, packet.ErrMalformed) {
			c.log.Debugf("received invalid json: %s", err)
			c.close(websocket.StatusInvalidFramePayloadData, err.Error())
			return
		}
		if err != nil {
			c.sendError(err)
		}
	}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		err := c.ws.Close(code, reason)
		if err != nil {
			c.log.Debugf("error closing conn: %s", err)
		}
	})
}

// shutdown kills running executions and removes every container the connection created.
func (c *conn) shutdown() {
	c.cancel()
	c.execs.Wait()
	c.close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var g errgroup.Group
	for id, ctr := range c.containers {
		g.Go(func() error {
			defer c.srv.metrics.Containers.Dec()
			if err := ctr.Remove(ctx); err != nil {
				return fmt.Errorf("removing container %s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.log.Debugf("error cleaning up containers: %s", err)
	}
	c.containers = nil
}

func (c *conn) send(t packet.Type, data any) error {
	err := writePacket(c.ctx, c.ws, t, data)
	if err != nil {
		return fmt.Errorf("sending %s: %w", t, err)
	}
	return nil
}

func (c *conn) sendError(err error) {
	c.log.Debugf("sending server error: %s", err)
	c.srv.metrics.ServerErrors.Inc()
	sendErr := c.send(packet.TypeServerError, packet.ServerError{Message: err.Error()})
	if sendErr != nil {
		c.log.Debugf("error sending server error: %s", sendErr)
	}
}

func (c *conn) handle(p *packet.Packet) error {
	switch p.Type {
	case packet.TypeProcessOpen:
		return c.open()
	case packet.TypeProcessControlSignal:
		var req packet.ProcessControlSignal
		if err := p.Unmarshal(&req); err != nil {
			return err
		}
		return c.control(req)
	case packet.TypeProcessClose:
		var req packet.ProcessClose
		if err := p.Unmarshal(&req); err != nil {
			return err
		}
		return c.release(req)
	case packet.TypeUploadStart:
		var req packet.UploadStart
		if err := p.Unmarshal(&req); err != nil {
			return err
		}
		return c.uploadStart(req)
	case packet.TypeUploadFinish:
		var req packet.UploadFinish
		if err := p.Unmarshal(&req); err != nil {
			return err
		}
		return c.uploadFinish(req)
	}
	return fmt.Errorf("unexpected packet type %s", p.Type)
}

func (c *conn) container(id string) (*container, error) {
	ctr, ok := c.containers[id]
	if !ok {
		return nil, fmt.Errorf("unknown container %q", id)
	}
	return ctr, nil
}

func (c *conn) open() error {
	ctr, err := c.srv.driver.Create(c.ctx)
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	c.containers[ctr.ID()] = &container{Container: ctr}
	c.srv.metrics.ContainersCreated.Inc()
	c.srv.metrics.Containers.Inc()
	c.log.Debugw("created container", "ContainerID", ctr.ID())
	return c.send(packet.TypeProcessOpenResult, packet.ProcessOpenResult{ContainerID: ctr.ID()})
}

func (c *conn) control(req packet.ProcessControlSignal) error {
	ctr, err := c.container(req.ContainerID)
	if err != nil {
		return err
	}
	switch req.ControlSignal.Kind {
	case packet.SignalStart:
		if err := ctr.Start(c.ctx); err != nil {
			return fmt.Errorf("starting container: %w", err)
		}
		return c.send(packet.TypeProcessEvent, packet.Event{Kind: packet.EventStarted})
	case packet.SignalExec:
		return c.exec(ctr, req.ControlSignal.Path)
	case packet.SignalInterrupt:
		return c.signal(ctr, driver.SignalInterrupt)
	case packet.SignalTerminate:
		return c.signal(ctr, driver.SignalTerminate)
	}
	return fmt.Errorf("unsupported control signal %q", req.ControlSignal.Kind)
}

func (c *conn) signal(ctr *container, sig driver.Signal) error {
	proc, _ := ctr.running()
	if proc == nil {
		return fmt.Errorf("container %q is not executing", ctr.ID())
	}
	c.log.Debugw("signaling execution", "ContainerID", ctr.ID(), "Signal", sig)
	if err := proc.Signal(c.ctx, sig); err != nil {
		return fmt.Errorf("sending %s: %w", sig, err)
	}
	return nil
}

func (c *conn) exec(ctr *container, path string) error {
	ctr.m.Lock()
	defer ctr.m.Unlock()
	if ctr.proc != nil {
		return fmt.Errorf("container %q is already executing", ctr.ID())
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.srv.execTimeout > 0 {
		ctx, cancel = context.WithTimeout(c.ctx, c.srv.execTimeout)
	} else {
		ctx, cancel = context.WithCancel(c.ctx)
	}

	// Started must precede any output
	if err := c.send(packet.TypeProcessEvent, packet.Event{Kind: packet.EventStarted}); err != nil {
		cancel()
		return err
	}

	proc, err := ctr.Exec(ctx, driver.ExecRequest{
		Path:   path,
		Stdout: &outputWriter{log: c.log.Named("stdout_writer"), ctx: c.ctx, conn: c.ws, stream: packet.StdOut},
		Stderr: &outputWriter{log: c.log.Named("stderr_writer"), ctx: c.ctx, conn: c.ws, stream: packet.StdErr},
	})
	if err != nil {
		cancel()
		c.srv.metrics.Executions.WithLabelValues("error").Inc()
		return fmt.Errorf("executing %s: %w", path, err)
	}
	ctr.proc = proc
	ctr.cancel = cancel

	c.execs.Go(func() error {
		c.waitAndWriteResult(ctx, ctr, proc)
		return nil
	})
	return nil
}

func (c *conn) waitAndWriteResult(ctx context.Context, ctr *container, proc driver.Process) {
	res, err := proc.Wait(context.Background())
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	canceled := errors.Is(ctx.Err(), context.Canceled)

	ctr.m.Lock()
	ctr.cancel()
	ctr.proc = nil
	ctr.cancel = nil
	ctr.m.Unlock()

	if canceled {
		// the container was released or the connection closed
		c.log.Debugw("execution canceled", "ContainerID", ctr.ID())
		c.srv.metrics.Executions.WithLabelValues("canceled").Inc()
		return
	}
	if timedOut {
		c.log.Debugw("execution timed out", "ContainerID", ctr.ID())
		c.srv.metrics.Executions.WithLabelValues("timed_out").Inc()
		if err := c.send(packet.TypeProcessEvent, packet.Event{Kind: packet.EventTimedOut}); err != nil {
			c.log.Debugf("error sending timeout: %s", err)
		}
		return
	}
	if err != nil {
		c.srv.metrics.Executions.WithLabelValues("error").Inc()
		c.sendError(fmt.Errorf("waiting on execution: %w", err))
		return
	}

	c.log.Debugw("execution finished", "ContainerID", ctr.ID(), "ExitCode", res.ExitCode, "TimeMS", res.TimeMS)
	c.srv.metrics.Executions.WithLabelValues("finished").Inc()
	c.srv.metrics.ExecDuration.Observe(float64(res.TimeMS) / 1000)
	err = c.send(packet.TypeProcessEvent, packet.Event{Kind: packet.EventFinished, ExitCode: int64(res.ExitCode)})
	if err != nil {
		c.log.Debugf("error sending exit code: %s", err)
	}
}

func (c *conn) release(req packet.ProcessClose) error {
	ctr, err := c.container(req.ContainerID)
	if err != nil {
		return err
	}
	if _, cancel := ctr.running(); cancel != nil {
		cancel()
	}
	if c.pending != nil && c.pending.ctr == ctr {
		c.pending = nil
	}

	err = ctr.Remove(c.ctx)
	if err != nil {
		c.log.Debugf("error removing container %s: %s", ctr.ID(), err)
	} else {
		delete(c.containers, ctr.ID())
		c.srv.metrics.Containers.Dec()
	}
	return c.send(packet.TypeProcessCloseResult, packet.ProcessCloseResult{Success: err == nil})
}

func (c *conn) uploadStart(req packet.UploadStart) error {
	ctr, err := c.container(req.ContainerID)
	if err != nil {
		return err
	}
	if c.pending != nil {
		c.pending = nil
		return fmt.Errorf("upload already in progress")
	}
	if req.Size < 0 || int64(req.Size) > c.srv.readLimit {
		return fmt.Errorf("invalid upload size %d", req.Size)
	}
	c.pending = &upload{ctr: ctr, path: req.Path, size: req.Size}
	return nil
}

func (c *conn) uploadData(b []byte) error {
	up := c.pending
	if up == nil || up.received {
		c.pending = nil
		return fmt.Errorf("unexpected binary frame")
	}
	if len(b) != up.size {
		c.pending = nil
		return fmt.Errorf("upload size mismatch: expected %d bytes, got %d", up.size, len(b))
	}
	up.data = b
	up.received = true
	return nil
}

func (c *conn) uploadFinish(req packet.UploadFinish) error {
	up := c.pending
	c.pending = nil
	if up == nil || !up.received {
		return fmt.Errorf("no upload in progress")
	}
	if up.ctr.ID() != req.ContainerID {
		return fmt.Errorf("upload was started for container %q, not %q", up.ctr.ID(), req.ContainerID)
	}
	if err := up.ctr.Upload(c.ctx, up.path, bytes.NewReader(up.data)); err != nil {
		return fmt.Errorf("uploading %s: %w", up.path, err)
	}
	c.srv.metrics.UploadedBytes.Add(float64(len(up.data)))
	c.log.Debugw("uploaded file", "ContainerID", up.ctr.ID(), "Path", up.path, "Size", up.size)
	return nil
}
