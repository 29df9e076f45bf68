package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var defaultDialBackoff = []time.Duration{
	0,
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
}

// DialOptions configures Dial.
type DialOptions struct {
	Options

	// Backoff lists the wait before each attempt; its length is the attempt count.
	Backoff          []time.Duration
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Dial connects to a relay URL, retrying on the backoff schedule.
func Dial(ctx context.Context, url string, options DialOptions) (*Conn, error) {
	if url == "" {
		return nil, errors.New("relay url is required")
	}
	backoff := options.Backoff
	if len(backoff) == 0 {
		backoff = defaultDialBackoff
	}
	handshakeTimeout := options.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 15 * time.Second
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	var lastErr error
	for attempt, wait := range backoff {
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		ws, resp, err := dialer.DialContext(ctx, url, options.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			logger.WithFields(logrus.Fields{
				"url":     url,
				"attempt": attempt + 1,
			}).Info("connected to relay")
			return NewConn(ws, options.Options), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		logger.WithFields(logrus.Fields{
			"url":     url,
			"attempt": attempt + 1,
		}).WithError(err).Warn("relay dial failed")
	}

	return nil, fmt.Errorf("dial %s after %d attempts: %w", url, len(backoff), lastErr)
}
