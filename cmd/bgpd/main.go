// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command bgpd is a BGP-4 speaker with a JSON-RPC control interface.
//
// Usage:
//
//	bgpd [-a ADDR] [-p PORT] [-v...] [-d] CONFIG_PATH
//
// Exit codes: 0 on a clean shutdown, 1 for a configuration error, 2 when a
// socket cannot be bound.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/msiegen/bgpd/internal/api"
	"github.com/msiegen/bgpd/internal/config"
	"github.com/msiegen/bgpd/internal/rib"
	"github.com/msiegen/bgpd/internal/session"
)

const (
	exitConfigError = 1
	exitBindError   = 2
)

var (
	app        = kingpin.New("bgpd", "BGP routing daemon.")
	address    = app.Flag("address", "Override the BGP listening address from the config.").Short('a').String()
	port       = app.Flag("port", "Override the BGP listening port from the config.").Short('p').Uint16()
	verbose    = app.Flag("verbose", "Increase logging verbosity; repeat for more.").Short('v').Counter()
	daemonLogs = app.Flag("daemon", "Emit JSON logs for running under a supervisor.").Short('d').Bool()
	configPath = app.Arg("config", "Path to the bgpd TOML config file.").Required().String()
)

func setupLogging() *logrus.Entry {
	switch *verbose {
	case 0:
		logrus.SetLevel(logrus.InfoLevel)
	case 1:
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.TraceLevel)
	}
	if *daemonLogs {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// overrideSocket applies the -a and -p flags on top of the configured
// listening socket.
func overrideSocket(socket string) (string, error) {
	if *address == "" && *port == 0 {
		return socket, nil
	}
	host, portStr, err := net.SplitHostPort(socket)
	if err != nil {
		return "", err
	}
	if *address != "" {
		host = *address
	}
	if *port != 0 {
		portStr = strconv.Itoa(int(*port))
	}
	return net.JoinHostPort(host, portStr), nil
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))
	log := setupLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load config")
		os.Exit(exitConfigError)
	}
	cfg.BGPSocket, err = overrideSocket(cfg.BGPSocket)
	if err != nil {
		log.WithError(err).Error("invalid bgp_socket")
		os.Exit(exitConfigError)
	}
	log.WithFields(logrus.Fields{
		"router_id": cfg.RouterID.String(),
		"as":        cfg.DefaultAS,
		"peers":     len(cfg.Peers),
	}).Info("configuration loaded")

	r := rib.New()
	mgr := session.NewManager(cfg, r, log)
	if err := mgr.Listen(); err != nil {
		log.WithError(err).Error("failed to bind BGP socket")
		os.Exit(exitBindError)
	}
	apiListener, err := net.Listen("tcp", cfg.APISocket)
	if err != nil {
		log.WithError(err).Error("failed to bind API socket")
		os.Exit(exitBindError)
	}
	log.WithField("socket", cfg.APISocket).Info("listening for API requests")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	hupC := make(chan os.Signal, 1)
	signal.Notify(hupC, syscall.SIGHUP)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mgr.Run(ctx)
	})
	g.Go(func() error {
		return api.NewServer(mgr, r, log).Serve(apiListener)
	})
	g.Go(func() error {
		<-ctx.Done()
		return apiListener.Close()
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hupC:
				newCfg, err := config.Load(*configPath)
				if err != nil {
					// A bad config on reload is not fatal; keep the old one.
					log.WithError(err).Error("reload failed, retaining previous config")
					continue
				}
				mgr.Reload(newCfg)
			}
		}
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("daemon exited")
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
