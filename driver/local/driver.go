package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/coderunner/driver"
	"go.uber.org/zap"
)

// Driver runs uploaded files directly on the underlying host, one directory per container.
// These processes are not sandboxed, so they can see each other and everything else on the host.
// The main benefit from using this is performance, which makes it suitable for development and fast-feedback tests.
type Driver struct {
	log         *zap.SugaredLogger
	dir         string
	interpreter []string
	env         []string
}

type Option func(d *Driver)

// WithInterpreter sets the command used to run an uploaded file. The file path is appended as the last argument.
func WithInterpreter(cmd ...string) Option {
	return func(d *Driver) {
		d.interpreter = cmd
	}
}

// WithDir sets the directory containers are created in. By default a new temp dir is used.
func WithDir(dir string) Option {
	return func(d *Driver) {
		d.dir = dir
	}
}

func WithEnv(env []string) Option {
	return func(d *Driver) {
		d.env = env
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Driver) {
		d.log = l.Named("local_driver")
	}
}

func New(opts ...Option) (*Driver, error) {
	d := &Driver{
		log:         zap.NewNop().Sugar(),
		interpreter: []string{"python3"},
	}
	for _, o := range opts {
		o(d)
	}
	if len(d.interpreter) == 0 {
		return nil, fmt.Errorf("no interpreter configured")
	}
	if d.dir == "" {
		dir, err := os.MkdirTemp("", "coderunner")
		if err != nil {
			return nil, fmt.Errorf("creating temp dir: %w", err)
		}
		d.dir = dir
	}
	return d, nil
}

func (d *Driver) Create(ctx context.Context) (driver.Container, error) {
	id := uuid.NewString()
	dir := filepath.Join(d.dir, id)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, fmt.Errorf("creating dir for container %s: %w", id, err)
	}
	d.log.Debugw("created container", "ID", id, "Dir", dir)
	return &Container{
		log:         d.log.With("ID", id),
		id:          id,
		dir:         dir,
		interpreter: d.interpreter,
		env:         d.env,
	}, nil
}

// Cleanup removes the directories of all containers.
func (d *Driver) Cleanup() error {
	return os.RemoveAll(d.dir)
}

type Container struct {
	log         *zap.SugaredLogger
	id          string
	dir         string
	interpreter []string
	env         []string
	started     bool
}

func (c *Container) ID() string { return c.id }

func (c *Container) Dir() string { return c.dir }

func (c *Container) Start(ctx context.Context) error {
	c.started = true
	return nil
}

// resolve maps path into the container dir. Paths cannot escape it.
func (c *Container) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	if clean == "/" {
		return "", fmt.Errorf("invalid path %q", path)
	}
	return filepath.Join(c.dir, clean), nil
}

func (c *Container) Upload(ctx context.Context, path string, contents io.Reader) error {
	filePath, err := c.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0777); err != nil {
		return fmt.Errorf("making intermediate dirs: %w", err)
	}

	f, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("creating file %q: %w", filePath, err)
	}
	defer f.Close()

	_, err = io.Copy(f, contents)
	return err
}

func (c *Container) Exec(ctx context.Context, req driver.ExecRequest) (driver.Process, error) {
	if !c.started {
		return nil, driver.ErrNotStarted
	}
	filePath, err := c.resolve(req.Path)
	if err != nil {
		return nil, err
	}

	args := append(append([]string{}, c.interpreter[1:]...), filePath)
	cmd := exec.Command(c.interpreter[0], args...)
	cmd.Dir = c.dir
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	// children that outlive the process must not hold Wait open on the output pipes
	cmd.WaitDelay = time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("running %s: %w", req.Path, err)
	}
	c.log.Debugw("started process", "Path", req.Path, "PID", cmd.Process.Pid)

	p := &process{cmd: cmd, done: make(chan struct{})}

	// wait on the process to finish and record the result
	go func() {
		defer close(p.done)
		err := cmd.Wait()
		p.res = &driver.Result{TimeMS: time.Since(start).Milliseconds()}
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				p.res.ExitCode = exitErr.ExitCode()
			} else {
				p.err = err
				p.res.ExitCode = -1
			}
		}
	}()

	// kill the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			cmd.Process.Kill()
		case <-p.done:
		}
	}()

	return p, nil
}

func (c *Container) Remove(ctx context.Context) error {
	return os.RemoveAll(c.dir)
}

type process struct {
	cmd  *exec.Cmd
	done chan struct{}
	res  *driver.Result
	err  error
}

func (p *process) Wait(ctx context.Context) (*driver.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return p.res, p.err
	}
}

func (p *process) Signal(ctx context.Context, sig driver.Signal) error {
	switch sig {
	case driver.SignalInterrupt:
		return p.cmd.Process.Signal(os.Interrupt)
	case driver.SignalTerminate:
		return p.cmd.Process.Signal(syscall.SIGTERM)
	}
	return fmt.Errorf("unsupported signal %d", sig)
}
