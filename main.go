// SPDX-License-Identifier: GPL-2.0-only

package main

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
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

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/MatthiasValvekens/usbipd/capture"
	"github.com/MatthiasValvekens/usbipd/capturesink"
	"github.com/MatthiasValvekens/usbipd/enumerate"
	"github.com/MatthiasValvekens/usbipd/registry"
	"github.com/MatthiasValvekens/usbipd/server"
	"github.com/MatthiasValvekens/usbipd/wire"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var (
	availableLogLevels = strings.Join([]string{
		logLevelAll,
		logLevelDebug,
		logLevelInfo,
		logLevelWarn,
		logLevelError,
		logLevelNone,
	}, ", ")
)

// exitAlreadyRunning is SPEC_FULL.md §4.J's extension of spec.md §6's
// CLI exit-code table: 0=success, 1=failure, 2=parse-error, 3=cancelled,
// 4=already-running.
const exitAlreadyRunning = 4

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logLevel := viper.GetString("log-level")
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	registryRoot := viper.GetString("registry-root")
	reg, err := registry.Open(registryRoot)
	if err != nil {
		return errors.Wrap(err, "failed to open registry")
	}

	lock, err := acquireInstanceLock(registryRoot)
	if err != nil {
		return err
	}
	defer lock.release()

	enumerator := enumerate.NewGousbEnumerator()
	defer enumerator.Close()
	adapter := capture.NewGousbAdapter(enumerator.Context())

	shares, err := getConfiguredShares()
	if err != nil {
		return err
	}
	for _, share := range shares {
		busId, err := wire.ParseBusId(share.BusId)
		if err != nil {
			return errors.Wrapf(err, "invalid busId in shares config")
		}
		if res, err := reg.Bind(busId, share.Description, presenceChecker(enumerator)); err != nil {
			return errors.Wrapf(err, "failed to bind configured share %s", share.BusId)
		} else if res != registry.Ok && res != registry.AlreadyShared {
			return fmt.Errorf("failed to bind configured share %s: %s", share.BusId, res)
		}
	}

	var sink *capturesink.Sink
	if captureFile := viper.GetString("capture-file"); captureFile != "" {
		sink, err = capturesink.Open(captureFile, viper.GetInt("capture-queue-depth"), log.With(logger, "component", "capturesink"))
		if err != nil {
			return errors.Wrap(err, "failed to open capture file")
		}
	}

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := server.NewMetrics(r)

	cfg := server.Config{
		TransferBufferCap:   viper.GetInt("transfer-buffer-cap"),
		PerEndpointInFlight: viper.GetInt("per-endpoint-inflight"),
		TotalInFlightBytes:  viper.GetInt("total-inflight-bytes"),
		DevlistAllConnected: viper.GetBool("devlist-all-connected"),
	}
	srv := server.New(cfg, reg, enumerator, adapter, sink, log.With(logger, "component", "server"), metrics)

	var g run.Group
	{
		// Run the health/metrics HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		listen := viper.GetString("metrics-listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Run the USB/IP TCP listener.
		execute, interrupt, err := srv.ListenAndServe(context.Background(), viper.GetString("listen"))
		if err != nil {
			return err
		}
		g.Add(execute, interrupt)
	}

	{
		// Periodically sweep for shared devices that vanished while attached.
		execute, interrupt := srv.RunReconciler(context.Background(), viper.GetDuration("reconcile-interval"))
		g.Add(execute, interrupt)
	}

	if sink != nil {
		// Keep the capture sink open for the process lifetime, flushing
		// and closing it only once every other actor has wound down.
		cancel := make(chan struct{})
		g.Add(func() error {
			<-cancel
			return nil
		}, func(error) {
			close(cancel)
			if err := sink.Close(); err != nil {
				_ = level.Warn(logger).Log("msg", "failed to close capture sink", "err", err)
			}
		})

		// Periodically mirror the sink's drop counter into the
		// registered Prometheus counter.
		ticker := time.NewTicker(time.Second)
		tickerDone := make(chan struct{})
		g.Add(func() error {
			var lastDropped uint64
			for {
				select {
				case <-ticker.C:
					dropped := sink.DroppedCount()
					if dropped > lastDropped {
						metrics.CaptureDropped.Add(float64(dropped - lastDropped))
						lastDropped = dropped
					}
				case <-tickerDone:
					return nil
				}
			}
		}, func(error) {
			ticker.Stop()
			close(tickerDone)
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	metrics.SharedDevices.Set(float64(len(reg.ListShared())))

	err = g.Run()
	if sink != nil {
		if cerr := sink.Close(); cerr != nil {
			_ = level.Warn(logger).Log("msg", "failed to close capture sink", "err", cerr)
		}
	}
	return err
}

// presenceChecker snapshots the enumerator once and returns a
// registry.PresenceChecker over that snapshot, for binding configured
// shares at startup without re-enumerating per share.
func presenceChecker(enumerator enumerate.Enumerator) registry.PresenceChecker {
	devices, err := enumerator.ListConnected(false)
	if err != nil {
		return func(wire.BusId) bool { return false }
	}
	present := make(map[wire.BusId]struct{}, len(devices))
	for _, dev := range devices {
		present[dev.BusId] = struct{}{}
	}
	return func(busId wire.BusId) bool {
		_, ok := present[busId]
		return ok
	}
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		if errors.Is(err, errAlreadyRunning) {
			os.Exit(exitAlreadyRunning)
		}
		os.Exit(1)
	}
}
