// Package logging builds the process logger: text on the console in debug
// mode, JSON otherwise, optionally teed into a rotating file.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	Debug bool
	// File enables a size-rotated log file alongside Output.
	File string
	// MaxSizeMB defaults to 10.
	MaxSizeMB  int
	MaxBackups int
	// Output defaults to stdout.
	Output io.Writer
}

// New returns a configured logger and a closer for the rotating file, if any.
func New(options Options) (*logrus.Logger, io.Closer) {
	logger := logrus.New()

	out := options.Output
	if out == nil {
		out = os.Stdout
	}

	var closer io.Closer = nopCloser{}
	if options.File != "" {
		maxSize := options.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		rotator := &lumberjack.Logger{
			Filename:   options.File,
			MaxSize:    maxSize, // MB
			MaxBackups: options.MaxBackups,
			Compress:   false,
		}
		out = io.MultiWriter(out, rotator)
		closer = rotator
	}
	logger.SetOutput(out)

	if options.Debug {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return logger, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
