package daemon

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	kardianos "github.com/kardianos/service"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestProgramStartStop(t *testing.T) {
	started := make(chan struct{})
	prg := newProgram(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, time.Second, quietLogger())

	require.NoError(t, prg.Start(nil))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("runner never started")
	}

	assert.Error(t, prg.Start(nil))
	require.NoError(t, prg.Stop(nil))
	assert.NoError(t, prg.Err())
}

func TestProgramReportsRunnerError(t *testing.T) {
	boom := errors.New("listen: address in use")
	prg := newProgram(func(ctx context.Context) error {
		return boom
	}, time.Second, quietLogger())

	require.NoError(t, prg.Start(nil))
	require.NoError(t, prg.Stop(nil))
	assert.ErrorIs(t, prg.Err(), boom)
}

func TestProgramStopTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	prg := newProgram(func(ctx context.Context) error {
		<-release
		return nil
	}, 20*time.Millisecond, quietLogger())

	require.NoError(t, prg.Start(nil))
	assert.Error(t, prg.Stop(nil))
}

func TestProgramStopBeforeStart(t *testing.T) {
	prg := newProgram(func(context.Context) error { return nil }, time.Second, quietLogger())
	assert.NoError(t, prg.Stop(nil))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Name: "wsdrop-relay"}, nil)
	assert.Error(t, err)

	_, err = New(Options{}, func(context.Context) error { return nil })
	assert.Error(t, err)

	m, err := New(Options{Name: "wsdrop-relay", Logger: quietLogger()}, func(context.Context) error { return nil })
	if errors.Is(err, kardianos.ErrNoServiceSystemDetected) {
		t.Skip("no service manager on this host")
	}
	require.NoError(t, err)
	assert.Equal(t, "wsdrop-relay", m.options.DisplayName)
	assert.Equal(t, DefaultStopTimeout, m.options.StopTimeout)
}
