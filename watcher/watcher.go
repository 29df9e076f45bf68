// Package watcher reports files that settle in an outbox directory.
package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDelay is how long a file must stay quiet before it is reported.
const DefaultDelay = 500 * time.Millisecond

// DefaultIgnoreSuffixes skips editor and partial-download droppings.
var DefaultIgnoreSuffixes = []string{".tmp", ".swp", ".part", ".crdownload", ".DS_Store", "~"}

// Options configures a Watcher.
type Options struct {
	Delay          time.Duration
	IgnoreSuffixes []string
	Logger         logrus.FieldLogger
}

// Watcher emits the path of each regular file once it stops changing.
type Watcher struct {
	dir     string
	delay   time.Duration
	ignore  []string
	logger  logrus.FieldLogger
	files   chan string
	errors  chan error
	fs      *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	debounceMu  sync.Mutex
	debounceMap map[string]*time.Timer
	stopped     bool
}

// New creates a watcher for dir. Cancelling ctx stops event processing.
func New(ctx context.Context, dir string, options Options) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("watch path is not a directory")
	}

	if options.Delay <= 0 {
		options.Delay = DefaultDelay
	}
	if options.IgnoreSuffixes == nil {
		options.IgnoreSuffixes = DefaultIgnoreSuffixes
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Watcher{
		dir:         dir,
		delay:       options.Delay,
		ignore:      options.IgnoreSuffixes,
		logger:      options.Logger.WithField("component", "watcher"),
		files:       make(chan string, 100),
		errors:      make(chan error, 10),
		fs:          fsWatcher,
		ctx:         ctx,
		cancel:      cancel,
		debounceMap: make(map[string]*time.Timer),
	}, nil
}

// Start begins watching the directory.
func (w *Watcher) Start() error {
	if err := w.fs.Add(w.dir); err != nil {
		return err
	}
	w.started = true
	w.logger.WithField("path", w.dir).Info("watching outbox")
	w.wg.Add(2)
	go w.eventLoop()
	go w.errorLoop()
	return nil
}

// Stop releases the watcher and closes Files and Errors.
func (w *Watcher) Stop() {
	w.cancel()
	_ = w.fs.Close()
	w.wg.Wait()

	w.debounceMu.Lock()
	if w.stopped {
		w.debounceMu.Unlock()
		return
	}
	w.stopped = true
	for _, timer := range w.debounceMap {
		timer.Stop()
	}
	w.debounceMap = nil
	w.debounceMu.Unlock()

	close(w.files)
	close(w.errors)
	if w.started {
		w.logger.Info("outbox watcher stopped")
	}
}

// Files delivers absolute paths of settled files.
func (w *Watcher) Files() <-chan string {
	return w.files
}

// Errors delivers watcher failures.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		}
	}
}

func (w *Watcher) errorLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
				w.logger.WithError(err).Error("error channel full, dropping error")
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !w.shouldProcess(event.Name) {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	w.debounce(event.Name)
}

func (w *Watcher) shouldProcess(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	for _, suffix := range w.ignore {
		if strings.HasSuffix(base, suffix) {
			return false
		}
	}
	return true
}

// debounce restarts the quiet period for path.
func (w *Watcher) debounce(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.stopped {
		return
	}
	if timer, exists := w.debounceMap[path]; exists {
		timer.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(w.delay, func() {
		w.settle(path)
	})
}

func (w *Watcher) settle(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		w.debounceMu.Lock()
		if !w.stopped {
			delete(w.debounceMap, path)
		}
		w.debounceMu.Unlock()
		return
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.stopped {
		return
	}
	delete(w.debounceMap, path)
	select {
	case w.files <- abs:
	default:
		w.logger.WithField("path", abs).Warn("files channel full, dropping event")
	}
}
