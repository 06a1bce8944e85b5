// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package pprof serves the net/http/pprof handlers for live profiling.
// The listener binds localhost only and is on by default. Set
// DISABLE_PPROF=true to turn it off.
package pprof

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof" // registers the profiling handlers on the default mux.
	"os"
	"time"
)

// addr is the default pprof port, bound to the loopback interface only.
const addr = "localhost:6060"

// Run binds the profiling listener and serves until ctx is canceled. The
// listener is bound before Run returns so profiles are reachable as soon as
// the process is up. Failures to bind are logged, not fatal.
func Run(ctx context.Context) {
	if os.Getenv("DISABLE_PPROF") == "true" {
		return
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("failed to bind pprof listener",
			slog.String("addr", addr), slog.String("error", err.Error()))
		return
	}
	server := &http.Server{Handler: http.DefaultServeMux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("pprof server failed", slog.String("error", err.Error()))
		}
	}()
}
