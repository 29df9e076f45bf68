package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"wsdrop/config"
	"wsdrop/logging"
)

const usageText = `usage: wsdrop <command> [flags] [args]

commands:
  relay [run|install|uninstall|start|stop|status]   run or manage the relay server
  send <peer> <file>...                             offer files to a peer
  receive                                           accept incoming files
  watch <peer> <dir>                                offer every file that settles in dir
  history                                           list finished transfers
  discover                                          find relays on the LAN

Run "wsdrop <command> -h" for command flags.
`

// app carries what every command needs.
type app struct {
	cfg     *config.Config
	cfgPath string
	dataDir string
	logger  *logrus.Logger
	out     io.Writer
	in      io.Reader
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return 2
	}
	switch args[0] {
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usageText)
		return 0
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed while loading config: %v\n", err)
		return 1
	}

	logger, closer := logging.New(logging.Options{
		Debug:  cfg.Debug,
		File:   cfg.LogFile,
		Output: os.Stderr,
	})
	defer closer.Close()

	a := &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: filepath.Dir(cfgPath),
		logger:  logger,
		out:     os.Stdout,
		in:      os.Stdin,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cmdErr error
	switch args[0] {
	case "relay":
		cmdErr = a.relayCommand(ctx, args[1:])
	case "send":
		cmdErr = a.sendCommand(ctx, args[1:])
	case "receive":
		cmdErr = a.receiveCommand(ctx, args[1:])
	case "watch":
		cmdErr = a.watchCommand(ctx, args[1:])
	case "history":
		cmdErr = a.historyCommand(args[1:])
	case "discover":
		cmdErr = a.discoverCommand(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usageText)
		return 2
	}

	switch {
	case cmdErr == nil, errors.Is(cmdErr, pflag.ErrHelp):
		return 0
	case errors.Is(cmdErr, errUsage):
		fmt.Fprintf(os.Stderr, "wsdrop %s: %v\n", args[0], cmdErr)
		return 2
	default:
		logger.WithError(cmdErr).WithField("command", args[0]).Debug("command failed")
		fmt.Fprintf(os.Stderr, "wsdrop %s: %v\n", args[0], cmdErr)
		return 1
	}
}
