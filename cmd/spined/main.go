// Copyright 2025 Ryan McCoy
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

// Command spined is the platform daemon: it serves the REST facade and
// runs the scheduler loop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ryansmccoy/spine-core/internal/api"
	"github.com/ryansmccoy/spine-core/internal/app"
	"github.com/ryansmccoy/spine-core/internal/config"
	"github.com/ryansmccoy/spine-core/internal/log"
	"github.com/ryansmccoy/spine-core/internal/registry"
)

// version is stamped by the build.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}
}

func run() error {
	settings, err := config.Load(".")
	if err != nil {
		return err
	}

	logger := log.New(&log.Config{
		Level:  settings.LogLevel,
		Format: log.Format(settings.LogFormat),
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New()
	a, err := app.New(ctx, settings, reg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.Scheduler.Start(ctx)
	defer a.Scheduler.Stop()

	go func() {
		if err := a.Worker.Run(ctx); err != nil {
			logger.Error("queue worker stopped", slog.Any("error", err))
		}
	}()

	router := api.NewRouter(a, api.RouterConfig{
		Version:     version,
		CORSOrigins: settings.CORSOrigins,
	})

	addr := fmt.Sprintf("%s:%d", settings.APIHost, settings.APIPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", slog.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
