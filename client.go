package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"wsdrop/discovery"
	"wsdrop/models"
	"wsdrop/protocol"
	"wsdrop/session"
	"wsdrop/storage"
	"wsdrop/transport"
	"wsdrop/watcher"
)

const (
	// clientReadLimit bounds inbound frames. The relay announces its chunk
	// size only after the socket is open, so the limit covers the largest one.
	clientReadLimit = protocol.MaxChunkSize + protocol.FrameHeaderSize
	readyTimeout    = 10 * time.Second
)

var errUsage = errors.New("invalid arguments")

// client is one joined session with its history store.
type client struct {
	*session.Session
	store *storage.Store

	// ctx ends when the session stops for any reason.
	ctx     context.Context
	cancel  context.CancelFunc
	parent  context.Context
	stopped chan struct{}
	runErr  error
}

type relayFlags struct {
	url      *string
	discover *bool
}

func (a *app) addRelayFlags(fs *pflag.FlagSet) relayFlags {
	return relayFlags{
		url:      fs.String("relay", a.cfg.RelayURL, "relay WebSocket URL"),
		discover: fs.Bool("discover", false, "locate the relay with mDNS instead of -relay"),
	}
}

func (a *app) resolveRelayURL(ctx context.Context, flags relayFlags) (string, error) {
	if !*flags.discover {
		return *flags.url, nil
	}
	relays, err := discovery.Browse(ctx, discovery.Config{Service: a.cfg.MDNSService})
	if err != nil {
		return "", err
	}
	if len(relays) == 0 {
		return "", errors.New("no relay found on the local network")
	}
	url := relays[0].URL()
	a.logger.WithField("relay", relays[0].Name).WithField("url", url).Info("relay discovered")
	return url, nil
}

// connect dials the relay, joins and waits for its configuration.
func (a *app) connect(ctx context.Context, flags relayFlags, options session.Options) (*client, error) {
	if err := a.cfg.RequireUsername(); err != nil {
		return nil, err
	}
	relayURL, err := a.resolveRelayURL(ctx, flags)
	if err != nil {
		return nil, err
	}

	storeOptions := storage.DefaultOptions()
	storeOptions.Logger = a.logger
	store, err := storage.OpenWithOptions(filepath.Join(a.dataDir, storage.DefaultDBFileName), storeOptions)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	conn, err := transport.Dial(ctx, relayURL, transport.DialOptions{
		Options: transport.Options{ReadLimit: clientReadLimit, Logger: a.logger},
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	options.Username = a.cfg.Username
	options.ChunkSize = a.cfg.ChunkSize
	options.MaxFileSize = a.cfg.MaxFileSize
	options.PacingDelay = a.cfg.PacingDelay()
	options.Recorder = store
	options.Logger = a.logger
	s, err := session.New(conn, options)
	if err != nil {
		_ = conn.Close()
		_ = store.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := &client{
		Session: s,
		store:   store,
		ctx:     runCtx,
		cancel:  cancel,
		parent:  ctx,
		stopped: make(chan struct{}),
	}
	go func() {
		c.runErr = s.Run(runCtx)
		cancel()
		close(c.stopped)
	}()

	readyCtx, readyCancel := context.WithTimeout(runCtx, readyTimeout)
	defer readyCancel()
	if err := s.Ready(readyCtx); err != nil {
		c.close()
		return nil, fmt.Errorf("join relay %s: %w", relayURL, err)
	}
	a.logger.WithField("relay", relayURL).WithField("user", a.cfg.Username).Info("joined relay")
	return c, nil
}

// err explains why the session ended; an interrupt is not an error.
func (c *client) err() error {
	if c.parent.Err() != nil {
		return nil
	}
	<-c.stopped
	if c.runErr == nil {
		return session.ErrDisconnected
	}
	return c.runErr
}

func (c *client) close() {
	_ = c.Session.Close()
	c.cancel()
	<-c.stopped
	_ = c.store.Close()
}

func (a *app) sendCommand(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	relay := a.addRelayFlags(fs)
	wait := fs.Duration("wait", 30*time.Second, "how long to wait for the peer to come online")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("%w: send <peer> <file>...", errUsage)
	}
	peer, files := fs.Arg(0), fs.Args()[1:]

	c, err := a.connect(ctx, relay, session.Options{})
	if err != nil {
		return err
	}
	defer c.close()

	waitCtx, cancel := context.WithTimeout(c.ctx, *wait)
	err = c.WaitForUser(waitCtx, peer)
	cancel()
	if err != nil {
		if c.ctx.Err() != nil {
			return c.err()
		}
		return fmt.Errorf("peer %q is not online: %w", peer, err)
	}

	engine := c.Engine()
	failed := 0
	var pending []models.Record
	for _, path := range files {
		fileID, err := engine.SendFile(peer, path)
		if err != nil {
			fmt.Fprintf(a.out, "%s: %v\n", path, err)
			failed++
			continue
		}
		record, _ := engine.Record(fileID)
		fmt.Fprintf(a.out, "offered %s (%s) to %s\n", record.Filename, formatBytes(record.Total), peer)
		pending = append(pending, record)
	}

	for _, offered := range pending {
		record, err := engine.Wait(c.ctx, offered.FileID)
		if err != nil {
			if c.ctx.Err() != nil {
				if sessionErr := c.err(); sessionErr != nil {
					return sessionErr
				}
				return fmt.Errorf("interrupted: %w", ctx.Err())
			}
			fmt.Fprintf(a.out, "%s: failed: %s\n", offered.Filename, record.Error)
			failed++
			continue
		}
		fmt.Fprintf(a.out, "%s: delivered\n", record.Filename)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d transfers failed", failed, len(files))
	}
	return nil
}

func (a *app) receiveCommand(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("receive", pflag.ContinueOnError)
	relay := a.addRelayFlags(fs)
	yes := fs.BoolP("yes", "y", false, "accept every offer without asking")
	once := fs.Bool("once", false, "exit after the first finished download")
	dir := fs.String("dir", a.cfg.DownloadsDir, "where completed downloads are written")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("%w: receive takes no arguments", errUsage)
	}

	offers := make(chan models.Offer, 16)
	finished := make(chan models.Record, 16)
	c, err := a.connect(ctx, relay, session.Options{
		OnOffer: func(offer models.Offer) {
			select {
			case offers <- offer:
			case <-ctx.Done():
			}
		},
		OnChange: func(record models.Record) {
			if record.Direction != models.DirectionDownload || !record.Status.Terminal() {
				return
			}
			// Record callbacks run in order; handing off keeps Accept from
			// waiting behind a full channel.
			go func() {
				select {
				case finished <- record:
				case <-ctx.Done():
				}
			}()
		},
	})
	if err != nil {
		return err
	}
	defer c.close()

	fmt.Fprintf(a.out, "waiting for files as %q (Ctrl+C to stop)\n", a.cfg.Username)
	input := bufio.NewReader(a.in)
	engine := c.Engine()
	for {
		select {
		case <-c.ctx.Done():
			return c.err()
		case offer := <-offers:
			if *yes || confirmOffer(a.out, input, offer) {
				if err := engine.Accept(offer.FileID); err != nil {
					fmt.Fprintf(a.out, "%s: %v\n", offer.Filename, err)
				}
				continue
			}
			if err := engine.Reject(offer.FileID); err != nil {
				fmt.Fprintf(a.out, "%s: %v\n", offer.Filename, err)
			}
		case record := <-finished:
			outcome := a.finishDownload(c, record, *dir)
			if *once {
				return outcome
			}
		}
	}
}

func (a *app) finishDownload(c *client, record models.Record, dir string) error {
	engine := c.Engine()
	if record.Status != models.StatusCompleted {
		fmt.Fprintf(a.out, "%s from %s failed: %s\n", record.Filename, record.Peer, record.Error)
		return fmt.Errorf("download %s: %s", record.Filename, record.Error)
	}
	defer engine.ReleaseDownload(record.FileID)

	path, err := engine.SaveDownload(record.FileID, dir)
	if err != nil {
		fmt.Fprintf(a.out, "%s: %v\n", record.Filename, err)
		return err
	}
	fmt.Fprintf(a.out, "received %s from %s (%s) -> %s\n", record.Filename, record.Peer, formatBytes(record.Total), path)
	return nil
}

func confirmOffer(out io.Writer, input *bufio.Reader, offer models.Offer) bool {
	fmt.Fprintf(out, "accept %s (%s) from %s? [y/N] ", offer.Filename, formatBytes(offer.Size), offer.From)
	line, err := input.ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

func (a *app) watchCommand(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	relay := a.addRelayFlags(fs)
	delay := fs.Duration("settle", watcher.DefaultDelay, "quiet period before a file is offered")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("%w: watch <peer> <dir>", errUsage)
	}
	peer, dir := fs.Arg(0), fs.Arg(1)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", errUsage, dir)
	}

	c, err := a.connect(ctx, relay, session.Options{
		OnChange: func(record models.Record) {
			if record.Direction != models.DirectionUpload || !record.Status.Terminal() {
				return
			}
			if record.Status == models.StatusCompleted {
				fmt.Fprintf(a.out, "%s: delivered to %s\n", record.Filename, record.Peer)
				return
			}
			fmt.Fprintf(a.out, "%s: failed: %s\n", record.Filename, record.Error)
		},
	})
	if err != nil {
		return err
	}
	defer c.close()

	w, err := watcher.New(c.ctx, dir, watcher.Options{Delay: *delay, Logger: a.logger})
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	defer w.Stop()

	fmt.Fprintf(a.out, "offering new files in %s to %s (Ctrl+C to stop)\n", dir, peer)
	engine := c.Engine()
	for {
		select {
		case <-c.ctx.Done():
			return c.err()
		case path := <-w.Files():
			if _, err := engine.SendFile(peer, path); err != nil {
				fmt.Fprintf(a.out, "%s: %v\n", path, err)
			}
		case err := <-w.Errors():
			a.logger.WithError(err).Warn("outbox watcher error")
		}
	}
}
