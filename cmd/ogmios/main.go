// Copyright 2025 The ogmios-go authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	ogmios "github.com/bjing/ogmios"
	"github.com/bjing/ogmios/internal/health"
	"github.com/bjing/ogmios/internal/metrics"
	"github.com/bjing/ogmios/internal/server"
	"github.com/bjing/ogmios/protocol/common"
	flag "github.com/spf13/pflag"
)

const (
	listenOption        = "listen"
	nodeSocketOption    = "node-socket"
	nodeAddressOption   = "node-address"
	networkOption       = "network"
	networkMagicOption  = "network-magic"
	probeIntervalOption = "probe-interval"
	logLevelOption      = "log-level"
)

// nodeTipSource adapts a NodeLink to the health monitor's TipSource. The
// monitor closes the link when a probe on it fails
type nodeTipSource struct {
	nodeLink *ogmios.NodeLink
}

func (n *nodeTipSource) GetCurrentTip() (*common.Tip, error) {
	return n.nodeLink.ChainSync().GetCurrentTip()
}

func (n *nodeTipSource) Close() error {
	return n.nodeLink.Close()
}

const (
	listenDefault        = ":1337"
	nodeSocketDefault    = "/ipc/node.socket"
	networkDefault       = "mainnet"
	probeIntervalDefault = 10 * time.Second
	shutdownTimeout      = 10 * time.Second
)

func main() {
	listenAddr := flag.StringP(listenOption, "l", listenDefault, "Address for the WebSocket/HTTP listener")
	nodeSocket := flag.StringP(nodeSocketOption, "s", nodeSocketDefault, "Path to the node's UNIX socket")
	nodeAddress := flag.String(nodeAddressOption, "", "TCP address of the node (overrides the socket path)")
	network := flag.StringP(networkOption, "n", networkDefault, "Named network preset (mainnet, preprod, preview)")
	networkMagic := flag.Uint32(networkMagicOption, 0, "Network magic (overrides the named network)")
	probeInterval := flag.Duration(probeIntervalOption, probeIntervalDefault, "Interval between node health probes")
	logLevel := flag.StringP(logLevelOption, "v", "info", "The log filtering level (debug, info, warn, error)")

	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log-level: %s. Please choose one of: debug, info, warn, error\n", *logLevel)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	magic := *networkMagic
	if magic == 0 {
		tmpNetwork := ogmios.NetworkByName(*network)
		if tmpNetwork == ogmios.NetworkInvalid {
			logger.Error("unknown network", "network", *network)
			os.Exit(1)
		}
		magic = tmpNetwork.NetworkMagic
	}

	nodeProto := "unix"
	nodeAddr := *nodeSocket
	if *nodeAddress != "" {
		nodeProto = "tcp"
		nodeAddr = *nodeAddress
	}
	newNodeLink := func() (*ogmios.NodeLink, error) {
		nodeLink, err := ogmios.New(
			ogmios.WithLogger(logger),
			ogmios.WithNetworkMagic(magic),
		)
		if err != nil {
			return nil, err
		}
		if err := nodeLink.Dial(nodeProto, nodeAddr); err != nil {
			return nil, err
		}
		return nodeLink, nil
	}

	// Failure to reach the node at startup is fatal
	healthLink, err := newNodeLink()
	if err != nil {
		logger.Error("failed to connect to node",
			"address", nodeAddr,
			"error", err,
		)
		os.Exit(1)
	}

	// The monitor takes over the startup link as its first tip source and
	// dials a fresh one whenever a probe fails
	initialLink := healthLink
	newTipSource := func() (health.TipSource, error) {
		if initialLink != nil {
			link := initialLink
			initialLink = nil
			return &nodeTipSource{nodeLink: link}, nil
		}
		nodeLink, err := newNodeLink()
		if err != nil {
			return nil, err
		}
		return &nodeTipSource{nodeLink: nodeLink}, nil
	}

	sampler := metrics.NewSampler()
	monitor := health.NewMonitor(newTipSource, health.NewConfig(
		health.WithProbeInterval(*probeInterval),
		health.WithStaleThreshold(3*(*probeInterval)),
		health.WithNetworkMagic(magic),
		health.WithLogger(logger),
		health.WithTipNotifyFunc(func(tip common.Tip) {
			sampler.SetLastKnownSlot(tip.Point.Slot)
		}),
	))
	monitor.Start()

	srv := server.New(server.NewConfig(
		server.WithLogger(logger),
		server.WithSampler(sampler),
		server.WithMonitor(monitor),
		server.WithNewNodeLinkFunc(newNodeLink),
	))

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe(*listenAddr)
	}()

	// Wait for a SIGINT or SIGTERM signal
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errChan:
		if err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-signalChan:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	// Stopping the monitor closes its current node link
	monitor.Stop()
}
