// Package relay routes control messages and chunk frames between joined users.
package relay

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"wsdrop/protocol"
	"wsdrop/transport"
)

const (
	// DefaultChunkSize is announced to clients in SERVER_CONFIG.
	DefaultChunkSize uint32 = 64 * 1024
	// DefaultMaxFileSize is the largest offer the relay routes.
	DefaultMaxFileSize uint64 = 500 * 1024 * 1024
)

// Peer is the connection surface the hub writes to.
type Peer interface {
	SendJSON(message any) error
	SendBinary(frame []byte) error
}

// HubConfig sets the limits announced to clients.
type HubConfig struct {
	ChunkSize   uint32
	MaxFileSize uint64
	Logger      logrus.FieldLogger
}

type route struct {
	fileID      uuid.UUID
	from        string
	to          string
	filename    string
	size        uint64
	totalChunks uint32
	received    uint32
}

// Hub tracks joined users and in-flight transfers.
type Hub struct {
	chunkSize   uint32
	maxFileSize uint64
	logger      logrus.FieldLogger

	mu     sync.RWMutex
	users  map[string]Peer
	routes map[uuid.UUID]*route
}

// NewHub creates a hub, filling zero limits with defaults and clamping the
// chunk size to protocol.MaxChunkSize.
func NewHub(config HubConfig) *Hub {
	if config.ChunkSize == 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.MaxFileSize == 0 {
		config.MaxFileSize = DefaultMaxFileSize
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if config.ChunkSize > protocol.MaxChunkSize {
		config.Logger.WithFields(logrus.Fields{
			"chunk_size": config.ChunkSize,
			"max":        protocol.MaxChunkSize,
		}).Warn("chunk size above client read limit, clamping")
		config.ChunkSize = protocol.MaxChunkSize
	}
	return &Hub{
		chunkSize:   config.ChunkSize,
		maxFileSize: config.MaxFileSize,
		logger:      config.Logger.WithField("component", "relay"),
		users:       make(map[string]Peer),
		routes:      make(map[uuid.UUID]*route),
	}
}

// ChunkSize returns the announced chunk size.
func (h *Hub) ChunkSize() uint32 {
	return h.chunkSize
}

// Users returns the joined usernames, sorted.
func (h *Hub) Users() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.usersLocked()
}

// Serve pumps one connection until it closes or ctx ends.
func (h *Hub) Serve(ctx context.Context, conn *transport.Conn) {
	s := &session{hub: h, peer: conn}
	defer s.leave()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-conn.Done():
			return
		case msg := <-conn.Inbound():
			if msg.Binary {
				s.handleBinary(msg.Data)
			} else {
				s.handleControl(msg.Data)
			}
		}
	}
}

// session is the per-connection state of one client.
type session struct {
	hub      *Hub
	peer     Peer
	username string
}

func (s *session) handleControl(raw []byte) {
	h := s.hub
	msgType, err := protocol.DecodeMessageType(raw)
	if err != nil {
		h.logger.WithError(err).Debug("unparseable control message")
		s.sendError("Invalid message")
		return
	}

	if msgType == protocol.TypeJoin {
		msg, err := protocol.Decode[protocol.Join](raw)
		if err != nil {
			s.sendError("Invalid message")
			return
		}
		s.join(msg.Username)
		return
	}
	if s.username == "" {
		s.sendError("Join first")
		return
	}

	switch msgType {
	case protocol.TypeFileOffer:
		msg, err := protocol.Decode[protocol.FileOffer](raw)
		if err != nil {
			s.sendError("Invalid message")
			return
		}
		s.offer(msg)
	case protocol.TypeFileAccept:
		msg, err := protocol.Decode[protocol.FileAccept](raw)
		if err != nil {
			s.sendError("Invalid message")
			return
		}
		s.accept(msg)
	case protocol.TypeFileReject:
		msg, err := protocol.Decode[protocol.FileReject](raw)
		if err != nil {
			s.sendError("Invalid message")
			return
		}
		s.reject(msg)
	case protocol.TypeFileChunkAck:
		msg, err := protocol.Decode[protocol.FileChunkAck](raw)
		if err != nil {
			s.sendError("Invalid message")
			return
		}
		s.ack(msg)
	default:
		s.sendError(fmt.Sprintf("Unknown message type %q", msgType))
	}
}

func (s *session) join(username string) {
	h := s.hub
	username = strings.TrimSpace(username)
	if username == "" {
		s.sendError("Username is required")
		return
	}
	if s.username != "" {
		s.sendError("Already joined")
		return
	}

	h.mu.Lock()
	if _, taken := h.users[username]; taken {
		h.mu.Unlock()
		s.sendError(fmt.Sprintf("Username '%s' is already taken", username))
		return
	}
	h.users[username] = s.peer
	users := h.usersLocked()
	h.mu.Unlock()
	s.username = username

	h.logger.WithField("peer", username).Info("user joined")
	_ = s.peer.SendJSON(protocol.ServerConfig{
		Type:        protocol.TypeServerConfig,
		MaxFileSize: h.maxFileSize,
		ChunkSize:   h.chunkSize,
	})
	h.broadcast(protocol.UserJoined{
		Type:     protocol.TypeUserJoined,
		Username: username,
		Users:    users,
	})
}

func (s *session) leave() {
	h := s.hub
	if s.username == "" {
		return
	}

	h.mu.Lock()
	delete(h.users, s.username)
	for id, r := range h.routes {
		if r.from == s.username || r.to == s.username {
			delete(h.routes, id)
		}
	}
	users := h.usersLocked()
	h.mu.Unlock()

	h.logger.WithField("peer", s.username).Info("user left")
	h.broadcast(protocol.UserLeft{
		Type:     protocol.TypeUserLeft,
		Username: s.username,
		Users:    users,
	})
}

func (s *session) offer(msg protocol.FileOffer) {
	h := s.hub
	fields := logrus.Fields{
		"file_id": msg.FileID,
		"peer":    s.username,
		"to":      msg.To,
		"size":    msg.Size,
	}

	if msg.Size > h.maxFileSize {
		s.fileError(msg.FileID, fmt.Sprintf("File too large: %d bytes (max: %d)", msg.Size, h.maxFileSize))
		return
	}
	chunkSize := msg.ChunkSize
	if chunkSize == 0 {
		chunkSize = h.chunkSize
	}
	// Receivers size downloads from the relay's chunk size.
	if chunkSize != h.chunkSize {
		s.fileError(msg.FileID, fmt.Sprintf("Chunk size mismatch: %d bytes (relay: %d)", chunkSize, h.chunkSize))
		return
	}

	h.mu.Lock()
	target, ok := h.users[msg.To]
	if !ok {
		h.mu.Unlock()
		s.fileError(msg.FileID, fmt.Sprintf("User '%s' not found", msg.To))
		return
	}
	if _, exists := h.routes[msg.FileID]; exists {
		h.mu.Unlock()
		s.fileError(msg.FileID, "Transfer already exists")
		return
	}
	h.routes[msg.FileID] = &route{
		fileID:      msg.FileID,
		from:        s.username,
		to:          msg.To,
		filename:    msg.Filename,
		size:        msg.Size,
		totalChunks: protocol.ChunkCount(msg.Size, chunkSize),
	}
	h.mu.Unlock()

	h.logger.WithFields(fields).Info("offer routed")
	_ = target.SendJSON(protocol.FileOfferReceived{
		Type:     protocol.TypeFileOfferReceived,
		From:     s.username,
		FileID:   msg.FileID,
		Filename: msg.Filename,
		Size:     msg.Size,
		Checksum: msg.Checksum,
	})
}

func (s *session) accept(msg protocol.FileAccept) {
	h := s.hub
	h.mu.Lock()
	r, ok := h.routes[msg.FileID]
	if !ok || r.to != s.username || r.from != msg.From {
		h.mu.Unlock()
		s.fileError(msg.FileID, "Transfer not found")
		return
	}
	sender := h.users[r.from]
	empty := r.totalChunks == 0
	if empty {
		delete(h.routes, msg.FileID)
	}
	h.mu.Unlock()

	if sender != nil {
		_ = sender.SendJSON(protocol.FileAccepted{
			Type:   protocol.TypeFileAccepted,
			FileID: msg.FileID,
			To:     s.username,
		})
	}
	if empty {
		h.complete(r)
	}
}

func (s *session) reject(msg protocol.FileReject) {
	h := s.hub
	h.mu.Lock()
	r, ok := h.routes[msg.FileID]
	if !ok || r.to != s.username {
		h.mu.Unlock()
		return
	}
	delete(h.routes, msg.FileID)
	sender := h.users[r.from]
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{"file_id": msg.FileID, "peer": s.username}).Info("offer rejected")
	if sender != nil {
		_ = sender.SendJSON(protocol.FileRejected{
			Type:   protocol.TypeFileRejected,
			FileID: msg.FileID,
		})
	}
}

func (s *session) ack(msg protocol.FileChunkAck) {
	h := s.hub
	h.mu.RLock()
	r, ok := h.routes[msg.FileID]
	var sender Peer
	if ok && r.to == s.username {
		sender = h.users[r.from]
	}
	h.mu.RUnlock()

	if sender != nil {
		_ = sender.SendJSON(protocol.FileChunkAck{
			Type:       protocol.TypeFileChunkAck,
			FileID:     msg.FileID,
			ChunkIndex: msg.ChunkIndex,
		})
	}
}

// handleBinary forwards a chunk frame verbatim from the offering user to
// the addressee and closes the route after the last expected chunk.
func (s *session) handleBinary(frame []byte) {
	h := s.hub
	if s.username == "" {
		return
	}
	chunk, err := protocol.DecodeChunkFrame(frame)
	if err != nil {
		h.logger.WithField("peer", s.username).WithError(err).Debug("short frame dropped")
		return
	}

	h.mu.Lock()
	r, ok := h.routes[chunk.FileID]
	if !ok {
		h.mu.Unlock()
		h.logger.WithField("file_id", chunk.FileID).Debug("frame for unknown transfer dropped")
		return
	}
	if r.from != s.username {
		h.mu.Unlock()
		h.logger.WithFields(logrus.Fields{
			"file_id": chunk.FileID,
			"peer":    s.username,
		}).Warn("frame from unauthorized sender dropped")
		return
	}
	r.received++
	done := r.received >= r.totalChunks
	if done {
		delete(h.routes, chunk.FileID)
	}
	target := h.users[r.to]
	h.mu.Unlock()

	if target != nil {
		_ = target.SendBinary(frame)
	}
	if done {
		h.complete(r)
	}
}

func (h *Hub) complete(r *route) {
	h.logger.WithFields(logrus.Fields{
		"file_id": r.fileID,
		"from":    r.from,
		"to":      r.to,
		"chunks":  r.totalChunks,
	}).Info("transfer complete")

	msg := protocol.FileComplete{Type: protocol.TypeFileComplete, FileID: r.fileID}
	h.mu.RLock()
	from, to := h.users[r.from], h.users[r.to]
	h.mu.RUnlock()
	if from != nil {
		_ = from.SendJSON(msg)
	}
	if to != nil {
		_ = to.SendJSON(msg)
	}
}

func (s *session) fileError(fileID uuid.UUID, reason string) {
	s.hub.logger.WithFields(logrus.Fields{
		"file_id": fileID,
		"peer":    s.username,
		"reason":  reason,
	}).Warn("transfer refused")
	_ = s.peer.SendJSON(protocol.FileError{
		Type:   protocol.TypeFileError,
		FileID: fileID,
		Error:  reason,
	})
}

func (s *session) sendError(message string) {
	_ = s.peer.SendJSON(protocol.ErrorMessage{
		Type:    protocol.TypeError,
		Message: message,
	})
}

func (h *Hub) broadcast(message any) {
	h.mu.RLock()
	peers := make([]Peer, 0, len(h.users))
	for _, peer := range h.users {
		peers = append(peers, peer)
	}
	h.mu.RUnlock()

	for _, peer := range peers {
		_ = peer.SendJSON(message)
	}
}

func (h *Hub) usersLocked() []string {
	users := make([]string, 0, len(h.users))
	for name := range h.users {
		users = append(users, name)
	}
	sort.Strings(users)
	return users
}
