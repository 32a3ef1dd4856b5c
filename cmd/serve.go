package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rubiojr/tavern/pkg/config"
	"github.com/rubiojr/tavern/pkg/log"
	"github.com/urfave/cli/v3"
)

var logger = log.ForService("tavern")

// ServeCommand creates the serve command
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the realtime server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Address to listen on (overrides config listen)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, c.String("config"), c.String("listen"), c.Bool("debug"))
		},
	}
}

// serve runs the HTTP and WebSocket server until SIGINT or SIGTERM.
func serve(ctx context.Context, configPath, listen string, debug bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if listen != "" {
		cfg.Listen = listen
	}
	log.Configure(cfg.Debug || debug, cfg.DebugServices)

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warnf("closing: %v", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	if err := a.start(serverCtx); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}

	httpServer := &http.Server{
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()
	logger.Infof("listening on %s (node %d, database %s)", ln.Addr(), cfg.Node, describeDatabase(cfg.Database))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	// Configuration reload state
	var cfgMutex sync.Mutex
	reload := func(reason string) {
		cfgMutex.Lock()
		defer cfgMutex.Unlock()
		if err := reloadConfiguration(configPath, debug, a); err != nil {
			logger.Errorf("reloading configuration (%s): %v", reason, err)
			return
		}
		logger.Infof("configuration reloaded (%s)", reason)
	}

	watcher, err := fsnotify.NewWatcher()
	var watchEvents <-chan fsnotify.Event
	var watchErrors <-chan error
	if err != nil {
		logger.Warnf("failed to create config file watcher: %v", err)
	} else {
		defer func() {
			if err := watcher.Close(); err != nil {
				logger.Warnf("failed to close config file watcher: %v", err)
			}
		}()
		if err := watcher.Add(configPath); err != nil {
			logger.Warnf("failed to watch config file %s: %v", configPath, err)
		} else {
			logger.Infof("watching config file for changes: %s", configPath)
		}
		watchEvents, watchErrors = watcher.Events, watcher.Errors
	}

	shutdown := func() error {
		logger.Infof("shutting down")
		serverCancel()

		graceCtx, cancel := context.WithTimeout(context.Background(), cfg.Session.ShutdownGrace.Duration)
		defer cancel()

		// Sessions first: http.Server.Shutdown does not wait for hijacked
		// connections.
		if err := a.api.Shutdown(graceCtx); err != nil {
			logger.Warnf("sessions: %v", err)
		}
		if err := httpServer.Shutdown(graceCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return shutdown()
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serving: %w", err)
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				reload("SIGHUP")
			case syscall.SIGINT, syscall.SIGTERM:
				return shutdown()
			}
		case event, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			// Editors often replace the file instead of writing it in place.
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove)) {
				continue
			}
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				time.Sleep(200 * time.Millisecond)
				if _, err := os.Stat(configPath); os.IsNotExist(err) {
					logger.Warnf("config file was removed and not replaced, skipping reload")
					continue
				}
				if err := watcher.Add(configPath); err != nil {
					logger.Warnf("failed to re-add config file to watcher: %v", err)
				}
			} else {
				time.Sleep(100 * time.Millisecond)
			}
			reload(event.Op.String())
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			logger.Warnf("config file watcher error: %v", err)
		}
	}
}

// reloadConfiguration applies the live-reloadable settings: debug logging
// and auth keys. Everything else needs a restart.
func reloadConfiguration(configPath string, debug bool, a *app) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading new config: %w", err)
	}
	log.Configure(cfg.Debug || debug, cfg.DebugServices)
	a.applyConfig(cfg)
	return nil
}
