package runner

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/guseggert/coderunner/runner/packet"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// UploadPath is where Upload places the source on the runner, and what Execute runs.
const UploadPath = "main.py"

const readLimit = 32768

type Phase int

const (
	Disconnected Phase = iota
	Connected
	Started
	// Executing is never entered by a Session. The runner signals execution through
	// ProcessEvent Started/Finished only, and those keep the phase at Started until Finished.
	Executing
	Finished
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	case Started:
		return "Started"
	case Executing:
		return "Executing"
	case Finished:
		return "Finished"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// State is a snapshot of a Session.
type State struct {
	Endpoint    string
	Phase       Phase
	ContainerID string
	// Open is true while the WebSocket connection is up.
	Open bool
	// ExitCode is set when an execution finishes, and cleared when a new one is requested.
	ExitCode *int
}

// Session drives one runner container over one WebSocket connection.
//
// Operations return once their frames are written. Replies are handled asynchronously by the
// session's read loop, which updates State and reports progress to the Sink. Every failure is
// reported to the Sink exactly once, and synchronous failures are also returned.
type Session struct {
	log        *zap.SugaredLogger
	sink       Sink
	httpClient *http.Client
	lenient    bool
	readLimit  int64

	dispatch *dispatcher

	m       sync.Mutex
	state   State
	conn    *websocket.Conn
	subs    map[int]chan State
	nextSub int
}

type Option func(s *Session)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Session) {
		s.log = l.Named("runner_session")
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) {
		s.httpClient = c
	}
}

// WithLenientPreconditions makes Start and Upload report a wrong phase but send anyway.
// By default they refuse to send.
func WithLenientPreconditions() Option {
	return func(s *Session) {
		s.lenient = true
	}
}

func WithReadLimit(n int64) Option {
	return func(s *Session) {
		s.readLimit = n
	}
}

// New builds a disconnected Session reporting to sink.
func New(sink Sink, opts ...Option) *Session {
	if sink == nil {
		sink = SinkFunc(func(string, bool) {})
	}
	s := &Session{
		log:       zap.NewNop().Sugar(),
		sink:      sink,
		readLimit: readLimit,
		subs:      map[int]chan State{},
	}
	for _, o := range opts {
		o(s)
	}
	s.dispatch = newDispatcher(s.logInbound)
	return s
}

// State returns a snapshot of the session.
func (s *Session) State() State {
	s.m.Lock()
	defer s.m.Unlock()
	return s.state
}

// Subscribe returns a channel receiving the current state and then every change.
// Slow readers only see the latest state. The returned func unsubscribes and closes the channel.
func (s *Session) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	s.m.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.state
	s.m.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.m.Lock()
			delete(s.subs, id)
			close(ch)
			s.m.Unlock()
		})
	}
}

// Wait blocks until cond holds for the session state or ctx is done.
func (s *Session) Wait(ctx context.Context, cond func(State) bool) (State, error) {
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()
	for {
		select {
		case st := <-ch:
			if cond(st) {
				return st, nil
			}
		case <-ctx.Done():
			return s.State(), ctx.Err()
		}
	}
}

func (s *Session) update(f func(st *State)) {
	s.m.Lock()
	defer s.m.Unlock()
	f(&s.state)
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s.state
	}
}

func (s *Session) info(format string, args ...any) {
	s.sink.Log(fmt.Sprintf(format, args...), false)
}

func (s *Session) fail(err error) error {
	s.log.Debugw("session error", "Error", err)
	logError(s.sink, err)
	return err
}

func (s *Session) failf(kind error, format string, args ...any) error {
	return s.fail(fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...)))
}

// requirePhase reports a violation when the session is not in one of the allowed phases.
// The violation aborts the operation when strict is set or the session is not lenient.
func (s *Session) requirePhase(strict bool, msg string, allowed ...Phase) error {
	phase := s.State().Phase
	for _, p := range allowed {
		if phase == p {
			return nil
		}
	}
	err := s.failf(ErrPrecondition, "%s (phase %s)", msg, phase)
	if strict || !s.lenient {
		return err
	}
	return nil
}

func (s *Session) requireContainer(msg string) (string, error) {
	id := s.State().ContainerID
	if id == "" {
		return "", s.failf(ErrPrecondition, "%s, no runner has been created", msg)
	}
	return id, nil
}

func (s *Session) currentConn() *websocket.Conn {
	s.m.Lock()
	defer s.m.Unlock()
	return s.conn
}

func (s *Session) send(ctx context.Context, t packet.Type, data any) error {
	conn := s.currentConn()
	if conn == nil {
		return s.failf(ErrPrecondition, "cannot send %s, not connected to remote", t)
	}
	b, err := packet.Encode(t, data)
	if err != nil {
		return s.fail(err)
	}
	s.log.Debugw("sending packet", "Type", t, "Bytes", len(b))
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		return s.fail(fmt.Errorf("%w: sending %s: %s", ErrTransport, t, err))
	}
	return nil
}

func (s *Session) sendBinary(ctx context.Context, b []byte) error {
	conn := s.currentConn()
	if conn == nil {
		return s.failf(ErrPrecondition, "cannot send payload, not connected to remote")
	}
	s.log.Debugw("sending binary frame", "Bytes", len(b))
	if err := conn.Write(ctx, websocket.MessageBinary, b); err != nil {
		return s.fail(fmt.Errorf("%w: sending payload: %s", ErrTransport, err))
	}
	return nil
}

// Connect opens the connection to the runner at endpoint.
// The phase becomes Connected once the WebSocket handshake has completed.
func (s *Session) Connect(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		return s.failf(ErrPrecondition, "cannot connect to no url!")
	}
	if s.currentConn() != nil {
		err := s.failf(ErrPrecondition, "already connected!")
		if !s.lenient {
			return err
		}
		s.closeConn()
	}

	s.log.Debugw("dialing runner", "URL", endpoint)
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPClient: s.httpClient})
	if err != nil {
		s.log.Debugf("dial error: %s", err)
		return s.fail(fmt.Errorf("%w: connecting to %s: %s", ErrTransport, endpoint, err))
	}
	conn.SetReadLimit(s.readLimit)

	s.dispatch.reset()
	s.update(func(st *State) {
		s.conn = conn
		st.Endpoint = endpoint
		st.Phase = Connected
		st.Open = true
	})
	go s.readMessages(conn)

	s.info("successfully connected to remote")
	return nil
}

// Disconnect closes the connection. It does nothing unless the phase is Connected, Executing
// or Finished. The phase and container id are kept.
func (s *Session) Disconnect() error {
	switch s.State().Phase {
	case Connected, Executing, Finished:
	default:
		return nil
	}
	s.info("disconnecting from remote")
	s.closeConn()
	return nil
}

// Close closes the connection in any phase, without reporting to the sink.
func (s *Session) Close() error {
	s.closeConn()
	return nil
}

// closeConn hands the connection off and closes it. It does not wait for the read loop, which may
// be the caller when a sink closes the session; the loop sees it no longer owns conn and exits.
func (s *Session) closeConn() {
	var conn *websocket.Conn
	s.update(func(st *State) {
		conn = s.conn
		s.conn = nil
		st.Open = false
	})
	if conn == nil {
		return
	}
	s.dispatch.reset()
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		s.log.Debugf("error closing conn: %s", err)
	}
}

func (s *Session) readMessages(conn *websocket.Conn) {
	for {
		typ, b, err := conn.Read(context.Background())
		if err != nil {
			owned := false
			s.update(func(st *State) {
				if s.conn == conn {
					owned = true
					s.conn = nil
					st.Open = false
				}
			})
			if !owned {
				s.log.Debugf("message reader stopped: %s", err)
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.info("runner closed the connection")
				return
			}
			s.fail(fmt.Errorf("%w: %s", ErrTransport, err))
			return
		}

		if s.currentConn() != conn {
			s.log.Debugw("dropping frame from a closed conn", "Bytes", len(b))
			continue
		}
		if typ == websocket.MessageBinary {
			s.failf(ErrProtocol, "unexpected binary frame of %d bytes", len(b))
			continue
		}
		p, err := packet.Decode(b)
		if err != nil {
			s.fail(fmt.Errorf("%w: %s", ErrProtocol, err))
			continue
		}
		s.log.Debugw("received packet", "Type", p.Type, "Expecting", s.dispatch.expecting())
		s.dispatch.dispatch(p)
	}
}

func (s *Session) logInbound(p *packet.Packet) bool {
	if p.Type == packet.TypeServerError {
		s.serverError(p)
		return true
	}
	s.info("received %s packet: %s", p.Type, p.Data)
	return true
}

func (s *Session) serverError(p *packet.Packet) {
	var se packet.ServerError
	if err := p.Unmarshal(&se); err != nil {
		s.fail(fmt.Errorf("%w: %s", ErrProtocol, err))
		return
	}
	if se.Fatal {
		s.failf(ErrRunner, "fatal: %s", se.Message)
		return
	}
	s.failf(ErrRunner, "%s", se.Message)
}

// Create asks the runner for a container. The container id is stored when ProcessOpenResult arrives.
func (s *Session) Create(ctx context.Context) error {
	if err := s.requirePhase(true, "cannot create new runner, not connected to remote!", Connected); err != nil {
		return err
	}
	token := s.dispatch.expect(string(packet.TypeProcessOpenResult), s.handleOpenResult)
	if err := s.send(ctx, packet.TypeProcessOpen, packet.ProcessOpen{}); err != nil {
		s.dispatch.cancel(token)
		return err
	}
	return nil
}

func (s *Session) handleOpenResult(p *packet.Packet) bool {
	if p.Type == packet.TypeServerError {
		s.serverError(p)
		return true
	}
	var res packet.ProcessOpenResult
	if p.Type != packet.TypeProcessOpenResult || p.Unmarshal(&res) != nil || res.ContainerID == "" {
		s.failf(ErrProtocol, "failed to get runner!")
		return false
	}
	s.update(func(st *State) {
		st.ContainerID = res.ContainerID
	})
	s.info("connected to runner `%s`", res.ContainerID)
	return true
}

// Start asks the runner to start the container. The phase becomes Started when the runner
// answers ProcessEvent Started.
func (s *Session) Start(ctx context.Context) error {
	if err := s.requirePhase(false, "cannot request runner to start, not connected to remote!", Connected); err != nil {
		return err
	}
	id, err := s.requireContainer("cannot request runner to start")
	if err != nil {
		return err
	}
	token := s.dispatch.expect("ProcessEvent Started", s.handleStarted)
	err = s.send(ctx, packet.TypeProcessControlSignal, packet.ProcessControlSignal{
		ContainerID:   id,
		ControlSignal: packet.ControlSignal{Kind: packet.SignalStart},
	})
	if err != nil {
		s.dispatch.cancel(token)
		return err
	}
	return nil
}

func (s *Session) handleStarted(p *packet.Packet) bool {
	if p.Type == packet.TypeServerError {
		s.serverError(p)
		return true
	}
	if p.Type != packet.TypeProcessEvent {
		s.failf(ErrProtocol, "failed to start runner")
		return false
	}
	var ev packet.Event
	if err := p.Unmarshal(&ev); err != nil || ev.Kind != packet.EventStarted {
		s.failf(ErrProtocol, "received unhandled server packet")
		return false
	}
	var id string
	s.update(func(st *State) {
		st.Phase = Started
		id = st.ContainerID
	})
	s.info("hosted runner `%s` is started", id)
	return true
}

// Upload sends source to the runner as UploadPath. Nothing is awaited: the runner does not
// acknowledge uploads.
func (s *Session) Upload(ctx context.Context, source []byte) error {
	if err := s.requirePhase(false, "cannot upload code to runner if runner is not started", Started, Finished); err != nil {
		return err
	}
	id, err := s.requireContainer("cannot upload code to runner")
	if err != nil {
		return err
	}

	s.info("starting upload")
	err = s.send(ctx, packet.TypeUploadStart, packet.UploadStart{
		ContainerID: id,
		Path:        UploadPath,
		Size:        len(source),
	})
	if err != nil {
		return err
	}
	if err := s.sendBinary(ctx, source); err != nil {
		return err
	}
	if err := s.send(ctx, packet.TypeUploadFinish, packet.UploadFinish{ContainerID: id}); err != nil {
		return err
	}
	s.info("upload finished")
	return nil
}

// Execute asks the runner to run UploadPath. Output and lifecycle events are reported until
// another operation installs its own handler.
func (s *Session) Execute(ctx context.Context) error {
	if err := s.requirePhase(true, "cannot execute runner if runner is not started!", Started, Finished); err != nil {
		return err
	}
	id, err := s.requireContainer("cannot execute runner")
	if err != nil {
		return err
	}

	s.update(func(st *State) {
		st.ExitCode = nil
	})
	token := s.dispatch.expect("execution", s.handleExecution)
	err = s.send(ctx, packet.TypeProcessControlSignal, packet.ProcessControlSignal{
		ContainerID:   id,
		ControlSignal: packet.Exec(UploadPath),
	})
	if err != nil {
		s.dispatch.cancel(token)
		return err
	}
	s.info("requested execution")
	s.info("---")
	return nil
}

func (s *Session) handleExecution(p *packet.Packet) bool {
	switch p.Type {
	case packet.TypeProcessEvent:
		var ev packet.Event
		if err := p.Unmarshal(&ev); err != nil {
			s.fail(fmt.Errorf("%w: %s", ErrProtocol, err))
			return false
		}
		switch ev.Kind {
		case packet.EventStarted:
			s.info("runner `%s` is starting execution", s.State().ContainerID)
		case packet.EventTimedOut:
			s.failf(ErrRunner, "runner timed out!")
		case packet.EventFinished:
			code := int(ev.ExitCode)
			s.update(func(st *State) {
				st.Phase = Finished
				st.ExitCode = &code
			})
			s.info("runner finished execution with exit code `%d`", code)
		}
	case packet.TypeProcessOutput:
		var out packet.Output
		if err := p.Unmarshal(&out); err != nil {
			s.fail(fmt.Errorf("%w: %s", ErrProtocol, err))
			return false
		}
		for _, line := range splitLines(out.Text) {
			s.sink.Log(line, out.Stream == packet.StdErr)
		}
	case packet.TypeServerError:
		s.serverError(p)
	default:
		s.failf(ErrProtocol, "unhandled packet type: %s!", p.Type)
	}
	return false
}

// splitLines splits output into lines, ignoring the empty line after a trailing newline.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

// Stop signals the running file. "SIGINT" maps to Interrupt, anything else to Terminate.
func (s *Session) Stop(ctx context.Context, signal string) error {
	sig := packet.ControlSignal{Kind: packet.SignalTerminate}
	if signal == "SIGINT" {
		sig.Kind = packet.SignalInterrupt
	}
	id, err := s.requireContainer(fmt.Sprintf("cannot send %s to runner", signal))
	if err != nil {
		return err
	}
	err = s.send(ctx, packet.TypeProcessControlSignal, packet.ProcessControlSignal{
		ContainerID:   id,
		ControlSignal: sig,
	})
	if err != nil {
		return err
	}
	s.info("sent %s to runner", signal)
	return nil
}

// Release asks the runner to remove the container. On success the container id is cleared and
// the phase returns to Connected, so Create can be called again.
func (s *Session) Release(ctx context.Context) error {
	id, err := s.requireContainer("cannot release runner")
	if err != nil {
		return err
	}
	token := s.dispatch.expect(string(packet.TypeProcessCloseResult), s.handleCloseResult)
	if err := s.send(ctx, packet.TypeProcessClose, packet.ProcessClose{ContainerID: id}); err != nil {
		s.dispatch.cancel(token)
		return err
	}
	return nil
}

func (s *Session) handleCloseResult(p *packet.Packet) bool {
	if p.Type == packet.TypeServerError {
		s.serverError(p)
		return true
	}
	var res packet.ProcessCloseResult
	if p.Type != packet.TypeProcessCloseResult || p.Unmarshal(&res) != nil {
		s.failf(ErrProtocol, "failed to release runner")
		return false
	}
	id := s.State().ContainerID
	if !res.Success {
		s.failf(ErrRunner, "runner `%s` could not be released", id)
		return true
	}
	s.update(func(st *State) {
		st.ContainerID = ""
		st.Phase = Connected
		st.ExitCode = nil
	})
	s.info("released runner `%s`", id)
	return true
}
