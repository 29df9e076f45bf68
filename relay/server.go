package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"wsdrop/protocol"
	"wsdrop/transport"
)

// WebSocketPath is where clients connect.
const WebSocketPath = "/ws"

// ServerOptions configures a relay Server.
type ServerOptions struct {
	ListenAddress string
	Hub           HubConfig
	Transport     transport.Options
	Logger        logrus.FieldLogger

	// OnListen runs once the listener is bound, with its resolved address.
	OnListen func(net.Addr)
}

// Server exposes a Hub over HTTP.
type Server struct {
	options ServerOptions
	hub     *Hub
	logger  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	listener net.Listener
	http     *http.Server
}

// NewServer builds a relay with its own hub.
func NewServer(options ServerOptions) *Server {
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	if options.Hub.Logger == nil {
		options.Hub.Logger = options.Logger
	}
	if options.Transport.Logger == nil {
		options.Transport.Logger = options.Logger
	}
	hub := NewHub(options.Hub)
	if options.Transport.ReadLimit <= 0 {
		options.Transport.ReadLimit = protocol.ReadLimit(hub.ChunkSize())
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		options: options,
		hub:     hub,
		logger:  options.Logger.WithField("component", "relay"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Hub returns the routing state.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP routes of the relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// ListenAndServe binds the listen address and serves until ctx ends or
// Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	address := s.options.ListenAddress
	if address == "" {
		address = ":8081"
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.listener = listener
	s.http = server
	s.mu.Unlock()

	s.logger.WithField("addr", listener.Addr().String()).Info("relay listening")
	if s.options.OnListen != nil {
		s.options.OnListen(listener.Addr())
	}

	errs := make(chan error, 1)
	go func() {
		errs <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Addr returns the bound address, or nil before ListenAndServe binds.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, closes every client connection and waits for
// their handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	server := s.http
	s.mu.Unlock()
	s.cancel()

	var err error
	if server != nil {
		err = server.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := transport.Upgrade(w, r, s.options.Transport)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}
	s.hub.Serve(s.ctx, conn)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"users":         len(s.hub.Users()),
		"chunk_size":    s.hub.chunkSize,
		"max_file_size": s.hub.maxFileSize,
	})
}
