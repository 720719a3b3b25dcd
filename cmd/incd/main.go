// Command incd runs a standalone INC fabric server (spec.md §4.8).
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/kagenode/inc/server"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML server config (defaults built in if empty)")
	listen := flag.String("listen", "", "override listen_address, e.g. tcp://0.0.0.0:8420")
	flag.Parse()

	log := logrus.WithField("component", "incd")

	cfg := server.DefaultConfig()
	if *configPath != "" {
		loaded, err := server.LoadConfig(*configPath)
		if err != nil {
			log.WithError(err).Fatal("failed to load config")
		}
		cfg = loaded
	}
	if *listen != "" {
		cfg.ListenAddress = *listen
	}

	srv := server.New(cfg, nil, server.Lifecycle{
		OnClientConnected: func(c *server.Conn) {
			log.WithField("conn", c.ID).Info("client connected")
		},
		OnClientDisconnected: func(c *server.Conn, err error) {
			log.WithField("conn", c.ID).WithError(err).Info("client disconnected")
		},
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.WithError(err).Fatal("server stopped")
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
		if err := srv.Close(); err != nil {
			log.WithError(err).Error("error during shutdown")
		}
	}
}
