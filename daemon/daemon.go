// Package daemon runs the relay under the host service manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	kardianos "github.com/kardianos/service"
	"github.com/sirupsen/logrus"
)

// DefaultStopTimeout bounds how long Stop waits for the runner to return.
const DefaultStopTimeout = 10 * time.Second

// Runner is the long-running work, e.g. the relay server. It must return
// once ctx is cancelled.
type Runner func(ctx context.Context) error

// Options describes the installed service.
type Options struct {
	Name        string
	DisplayName string
	Description string
	// Arguments are passed to the executable when the service manager starts it.
	Arguments   []string
	StopTimeout time.Duration
	Logger      logrus.FieldLogger
}

// Interactive reports whether the process runs from a terminal rather than
// under a service manager.
func Interactive() bool {
	return kardianos.Interactive()
}

// Manager installs, removes and runs one service.
type Manager struct {
	options Options
	program *program
	service kardianos.Service
}

// New builds a manager around run.
func New(options Options, run Runner) (*Manager, error) {
	if run == nil {
		return nil, errors.New("runner is required")
	}
	if options.Name == "" {
		return nil, errors.New("service name is required")
	}
	if options.DisplayName == "" {
		options.DisplayName = options.Name
	}
	if options.StopTimeout <= 0 {
		options.StopTimeout = DefaultStopTimeout
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}

	prg := newProgram(run, options.StopTimeout, options.Logger)
	svc, err := kardianos.New(prg, &kardianos.Config{
		Name:        options.Name,
		DisplayName: options.DisplayName,
		Description: options.Description,
		Arguments:   options.Arguments,
	})
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}

	return &Manager{options: options, program: prg, service: svc}, nil
}

// Run blocks until the service manager (or an interrupt, when run from a
// terminal) stops the program. It returns the runner's error, if any.
func (m *Manager) Run() error {
	if err := m.service.Run(); err != nil {
		return err
	}
	return m.program.Err()
}

// Install registers the service with the host.
func (m *Manager) Install() error {
	if err := m.service.Install(); err != nil {
		if runtime.GOOS == "windows" {
			return fmt.Errorf("install service (requires administrator privileges): %w", err)
		}
		return fmt.Errorf("install service: %w", err)
	}
	m.options.Logger.WithField("service", m.options.Name).Info("service installed")
	return nil
}

// Uninstall stops the service if it is running and removes it.
func (m *Manager) Uninstall() error {
	if status, err := m.service.Status(); err == nil && status == kardianos.StatusRunning {
		if err := m.service.Stop(); err != nil {
			return fmt.Errorf("stop service: %w", err)
		}
	}
	if err := m.service.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	m.options.Logger.WithField("service", m.options.Name).Info("service uninstalled")
	return nil
}

// Start asks the service manager to start the installed service.
func (m *Manager) Start() error {
	return m.service.Start()
}

// Stop asks the service manager to stop the installed service.
func (m *Manager) Stop() error {
	return m.service.Stop()
}

// Status reports the installed service state as text.
func (m *Manager) Status() (string, error) {
	status, err := m.service.Status()
	if err != nil {
		if errors.Is(err, kardianos.ErrNotInstalled) {
			return "not installed", nil
		}
		return "", err
	}
	switch status {
	case kardianos.StatusRunning:
		return "running", nil
	case kardianos.StatusStopped:
		return "stopped", nil
	default:
		return "unknown", nil
	}
}

// program adapts a Runner to kardianos.Interface.
type program struct {
	run         Runner
	stopTimeout time.Duration
	logger      logrus.FieldLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newProgram(run Runner, stopTimeout time.Duration, logger logrus.FieldLogger) *program {
	return &program{run: run, stopTimeout: stopTimeout, logger: logger}
}

func (p *program) Start(s kardianos.Service) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return errors.New("program already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done

	p.logger.WithField("platform", kardianos.Platform()).Info("service starting")
	go func() {
		defer close(done)
		err := p.run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.WithError(err).Error("service runner failed")
		}
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	}()
	return nil
}

func (p *program) Stop(s kardianos.Service) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}

	p.logger.Info("service stopping")
	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(p.stopTimeout):
		return fmt.Errorf("runner did not stop within %s", p.stopTimeout)
	}
}

// Err returns the runner's result once it has finished; a cancellation is
// not an error.
func (p *program) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if errors.Is(p.err, context.Canceled) {
		return nil
	}
	return p.err
}
