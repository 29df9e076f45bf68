// Package session joins a relay under a username and feeds its traffic to a
// transfer engine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"wsdrop/models"
	"wsdrop/protocol"
	"wsdrop/transfer"
	"wsdrop/transport"
)

var (
	// ErrRelayError indicates the relay answered with ERROR.
	ErrRelayError = errors.New("session: relay error")
	// ErrDisconnected indicates the relay connection ended.
	ErrDisconnected = errors.New("session: disconnected")
)

// Conn is the relay connection a session drives.
type Conn interface {
	transfer.Sender
	Inbound() <-chan transport.Message
	Done() <-chan struct{}
	LastError() error
	Close() error
}

// Options configures a Session and its engine.
type Options struct {
	Username    string
	ChunkSize   uint32
	MaxFileSize uint64
	PacingDelay time.Duration
	Recorder    transfer.Recorder
	Logger      logrus.FieldLogger

	OnChange func(models.Record)
	OnOffer  func(models.Offer)
	OnRoster func(users []string)
}

// Session is one joined presence on the relay.
type Session struct {
	username string
	conn     Conn
	engine   *transfer.Engine
	logger   logrus.FieldLogger
	onRoster func([]string)

	mu       sync.RWMutex
	users    map[string]struct{}
	changed  chan struct{}
	ready    chan struct{}
	readyOne sync.Once
	lastErr  error
}

// New wraps conn. Run must be called to join and start dispatching.
func New(conn Conn, options Options) (*Session, error) {
	if conn == nil {
		return nil, errors.New("connection is required")
	}
	username := strings.TrimSpace(options.Username)
	if username == "" {
		return nil, errors.New("username is required")
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}

	engine, err := transfer.NewEngine(transfer.Options{
		Sender:      conn,
		ChunkSize:   options.ChunkSize,
		MaxFileSize: options.MaxFileSize,
		PacingDelay: options.PacingDelay,
		Recorder:    options.Recorder,
		Logger:      options.Logger,
		OnChange:    options.OnChange,
		OnOffer:     options.OnOffer,
	})
	if err != nil {
		return nil, err
	}

	return &Session{
		username: username,
		conn:     conn,
		engine:   engine,
		logger:   options.Logger.WithFields(logrus.Fields{"component": "session", "user": username}),
		onRoster: options.OnRoster,
		users:    make(map[string]struct{}),
		changed:  make(chan struct{}),
		ready:    make(chan struct{}),
	}, nil
}

// Username returns the name this session joins as.
func (s *Session) Username() string {
	return s.username
}

// Engine returns the transfer engine bound to this session.
func (s *Session) Engine() *transfer.Engine {
	return s.engine
}

// Users returns the current relay roster, sorted.
func (s *Session) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]string, 0, len(s.users))
	for name := range s.users {
		users = append(users, name)
	}
	sort.Strings(users)
	return users
}

// Run joins the relay and dispatches inbound traffic until the connection
// ends or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	if err := s.conn.SendJSON(protocol.Join{Type: protocol.TypeJoin, Username: s.username}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
			return ctx.Err()
		case <-s.conn.Done():
			if err := s.conn.LastError(); err != nil {
				return fmt.Errorf("%w: %w", ErrDisconnected, err)
			}
			return nil
		case msg := <-s.conn.Inbound():
			if msg.Binary {
				if err := s.engine.HandleBinary(msg.Data); err != nil {
					s.logger.WithError(err).Debug("binary frame dropped")
				}
				continue
			}
			s.dispatch(msg.Data)
		}
	}
}

// Ready waits until the relay has announced its configuration, or until
// it refuses the join.
func (s *Session) Ready(ctx context.Context) error {
	for {
		s.mu.RLock()
		lastErr := s.lastErr
		changed := s.changed
		s.mu.RUnlock()

		select {
		case <-s.ready:
			return nil
		default:
		}
		if lastErr != nil {
			return lastErr
		}

		select {
		case <-s.ready:
			return nil
		case <-changed:
		case <-s.conn.Done():
			return ErrDisconnected
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitForUser blocks until name appears on the roster.
func (s *Session) WaitForUser(ctx context.Context, name string) error {
	for {
		s.mu.RLock()
		_, present := s.users[name]
		changed := s.changed
		s.mu.RUnlock()
		if present {
			return nil
		}

		select {
		case <-changed:
		case <-s.conn.Done():
			return ErrDisconnected
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the engine and the connection.
func (s *Session) Close() error {
	engineErr := s.engine.Close()
	connErr := s.conn.Close()
	return errors.Join(engineErr, connErr)
}

func (s *Session) dispatch(raw []byte) {
	msgType, err := protocol.DecodeMessageType(raw)
	if err != nil {
		s.logger.WithError(err).Warn("unparseable control message")
		return
	}

	switch msgType {
	case protocol.TypeUserJoined:
		msg, err := protocol.Decode[protocol.UserJoined](raw)
		if err != nil {
			s.logger.WithError(err).Warn("bad USER_JOINED")
			return
		}
		s.setRoster(msg.Users)
	case protocol.TypeUserLeft:
		msg, err := protocol.Decode[protocol.UserLeft](raw)
		if err != nil {
			s.logger.WithError(err).Warn("bad USER_LEFT")
			return
		}
		s.setRoster(msg.Users)
	case protocol.TypeError:
		msg, err := protocol.Decode[protocol.ErrorMessage](raw)
		if err != nil {
			s.logger.WithError(err).Warn("bad ERROR")
			return
		}
		s.logger.WithField("reason", msg.Message).Warn("relay error")
		s.mu.Lock()
		s.lastErr = fmt.Errorf("%w: %s", ErrRelayError, msg.Message)
		s.broadcastLocked()
		s.mu.Unlock()
	default:
		if err := s.engine.HandleControl(raw); err != nil {
			s.logger.WithField("type", msgType).WithError(err).Debug("control message dropped")
		}
		if msgType == protocol.TypeServerConfig {
			s.readyOne.Do(func() { close(s.ready) })
		}
	}
}

func (s *Session) setRoster(users []string) {
	s.mu.Lock()
	s.users = make(map[string]struct{}, len(users))
	for _, name := range users {
		s.users[name] = struct{}{}
	}
	s.broadcastLocked()
	s.mu.Unlock()

	if s.onRoster != nil {
		s.onRoster(s.Users())
	}
}

func (s *Session) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
