package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"wsdrop/daemon"
	"wsdrop/discovery"
	"wsdrop/relay"
)

func (a *app) relayCommand(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	listen := fs.String("listen", a.cfg.ListenAddress, "address the relay listens on")
	advertise := fs.Bool("mdns", true, "advertise the relay on the LAN")
	if err := fs.Parse(args); err != nil {
		return err
	}
	action := "run"
	switch fs.NArg() {
	case 0:
	case 1:
		action = fs.Arg(0)
	default:
		return fmt.Errorf("%w: relay [run|install|uninstall|start|stop|status]", errUsage)
	}

	if action == "run" && daemon.Interactive() {
		return a.relayRunner(*listen, *advertise)(ctx)
	}

	serviceArgs := []string{"relay", "--listen", *listen, fmt.Sprintf("--mdns=%t", *advertise), "run"}
	manager, err := daemon.New(daemon.Options{
		Name:        a.cfg.ServiceName,
		DisplayName: "wsdrop relay",
		Description: "WebSocket relay for wsdrop file transfers",
		Arguments:   serviceArgs,
		Logger:      a.logger,
	}, a.relayRunner(*listen, *advertise))
	if err != nil {
		return err
	}

	switch action {
	case "run":
		return manager.Run()
	case "install":
		if err := manager.Install(); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "installed service %s\n", a.cfg.ServiceName)
	case "uninstall":
		if err := manager.Uninstall(); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "removed service %s\n", a.cfg.ServiceName)
	case "start":
		return manager.Start()
	case "stop":
		return manager.Stop()
	case "status":
		status, err := manager.Status()
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s: %s\n", a.cfg.ServiceName, status)
	default:
		return fmt.Errorf("%w: unknown relay action %q", errUsage, action)
	}
	return nil
}

func (a *app) relayRunner(listen string, advertise bool) daemon.Runner {
	return func(ctx context.Context) error {
		var advertiser *discovery.Advertiser
		server := relay.NewServer(relay.ServerOptions{
			ListenAddress: listen,
			Hub: relay.HubConfig{
				ChunkSize:   a.cfg.ChunkSize,
				MaxFileSize: a.cfg.MaxFileSize,
			},
			Logger: a.logger,
			OnListen: func(addr net.Addr) {
				fmt.Fprintf(a.out, "relay listening on %s%s\n", addr, relay.WebSocketPath)
				if advertise {
					advertiser = a.advertiseRelay(addr)
				}
			},
		})
		defer func() { advertiser.Stop() }()

		return server.ListenAndServe(ctx)
	}
}

func (a *app) advertiseRelay(addr net.Addr) *discovery.Advertiser {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil
	}
	name := "wsdrop relay"
	if host, err := os.Hostname(); err == nil && host != "" {
		name = "wsdrop relay on " + host
	}

	advertiser, err := discovery.Advertise(discovery.Config{
		Service:     a.cfg.MDNSService,
		RelayID:     uuid.NewString(),
		Name:        name,
		Port:        tcpAddr.Port,
		Path:        relay.WebSocketPath,
		ChunkSize:   a.cfg.ChunkSize,
		MaxFileSize: a.cfg.MaxFileSize,
	})
	if err != nil {
		a.logger.WithError(err).Warn("mDNS advertisement failed")
		return nil
	}
	a.logger.WithField("service", a.cfg.MDNSService).Info("relay advertised")
	return advertiser
}
