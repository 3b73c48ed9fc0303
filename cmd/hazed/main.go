// Copyright 2023 Haze Labs, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

// Command hazed runs one overlay process: it loads the process's
// shard, joins the overlay described by the configuration document,
// and serves the query, chunk, and metrics endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hazelabs/haze"
	"github.com/hazelabs/haze/compr"
	"github.com/hazelabs/haze/config"
)

var version = "development"

// drainTimeout bounds graceful shutdown; in-flight queries get this
// long to finish before the listener is torn down.
const drainTimeout = 10 * time.Second

func main() {
	var (
		confPath  = flag.String("c", "haze.yaml", "overlay configuration document")
		procID    = flag.String("id", os.Getenv("HAZE_PROCESS_ID"), "process id within the configuration")
		dataset   = flag.String("dataset", "", "root directory of the CSV shard data")
		listenOn  = flag.String("listen", "", "listen address override (default: the configured host:port)")
		comprName = flag.String("compression", "s2", "chunk compression: s2, zstd, or none")
		pretty    = flag.Bool("pretty", false, "human-readable log output")
		loglevel  = flag.String("loglevel", "info", "log level: debug, info, warn, or error")
		showVer   = flag.Bool("v", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		if v, ok := haze.Version(); ok {
			fmt.Println(v)
		} else {
			fmt.Println("version not available")
		}
		return
	}
	if v, ok := haze.Version(); ok {
		version = v
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if *pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	lvl, err := zerolog.ParseLevel(*loglevel)
	if err != nil {
		logger.Fatal().Str("loglevel", *loglevel).Msg("unknown log level")
	}
	logger = logger.Level(lvl)

	if *procID == "" {
		logger.Fatal().Msg("no process id: pass -id or set HAZE_PROCESS_ID")
	}
	cfg, err := config.Load(*confPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading configuration")
	}
	kind, err := compr.ParseKind(*comprName)
	if err != nil {
		logger.Fatal().Err(err).Msg("parsing -compression")
	}

	node, err := haze.New(cfg, *procID,
		haze.WithLogger(logger),
		haze.WithDataset(*dataset),
		haze.WithCompression(kind))
	if err != nil {
		logger.Fatal().Err(err).Msg("assembling node")
	}
	defer node.Close()

	addr := node.Self().Addr()
	if *listenOn != "" {
		addr = *listenOn
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", addr).Msg("binding listener")
	}

	srv := newServer(node, logger)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := srv.Serve(l); err != nil {
			logger.Error().Err(err).Msg("server stopped")
		}
		stop()
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("drain aborted")
	}
}
