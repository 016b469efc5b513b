// Package server is a runner backend speaking the runner protocol over WebSockets.
// Each connection owns the containers it creates; they are removed when the connection ends.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/coderunner/driver"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// defaultReadLimit bounds inbound frames, which includes uploaded files.
const defaultReadLimit = 10 << 20

// Server is a runner backend. Clients connect to /ws and drive containers created by the Driver.
type Server struct {
	log         *zap.SugaredLogger
	driver      driver.Driver
	metrics     *Metrics
	execTimeout time.Duration
	readLimit   int64

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc

	conns sync.WaitGroup

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l.Named("runner_server")
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithExecTimeout sets how long an execution may run before it is killed and reported as timed out.
// Zero means no limit.
func WithExecTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.execTimeout = d
	}
}

// WithReadLimit sets the maximum inbound frame size, which bounds the size of uploaded files.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		s.readLimit = n
	}
}

func New(d driver.Driver, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:         zap.NewNop().Sugar(),
		driver:      d,
		execTimeout: 30 * time.Second,
		readLimit:   defaultReadLimit,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	s.httpServer = &http.Server{Handler: s.Router()}
	return s
}

func (s *Server) Router() http.Handler {
	router := httprouter.New()
	router.GET("/ws", s.ws)
	router.GET("/heartbeat", s.heartbeat)
	router.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	return router
}

// Serve serves clients on l until Stop is called.
func (s *Server) Serve(l net.Listener) error {
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.log.Infof("listening on %s", l.Addr())
	return s.Serve(l)
}

// Stop closes the listener and all client connections, and waits for the containers owned by the
// connections to be removed.
func (s *Server) Stop() error {
	s.cancel()
	err := s.httpServer.Close()
	s.conns.Wait()
	return err
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.heartbeatMut.Lock()
	lastHeartbeat := s.lastHeartbeat
	s.lastHeartbeat = time.Now()
	s.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{}
	if !lastHeartbeat.IsZero() {
		response.LastHeartbeat = lastHeartbeat.UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(response)
	if err != nil {
		s.log.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) ws(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.ServeHTTP(w, r)
}

// ServeHTTP accepts a WebSocket connection and speaks the runner protocol on it until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(s.readLimit)
	s.log.Debug("accepted WebSocket conn")

	s.conns.Add(1)
	defer s.conns.Done()
	s.metrics.Connections.Inc()
	defer s.metrics.Connections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	c := &conn{
		log:        s.log.Named("conn"),
		srv:        s,
		ws:         wsConn,
		ctx:        ctx,
		cancel:     cancel,
		containers: map[string]*container{},
	}
	c.run()
}
