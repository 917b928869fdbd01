// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The daemon binds loopback; cross-origin policy belongs to
	// whatever proxies it.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler returns the daemon's HTTP surface: the WebSocket endpoint,
// a REST view of the session list for tooling that does not speak the
// protocol, and Prometheus metrics.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(g.socketPath, g.handleSocket)
	mux.Handle(g.metricsPath, promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": g.Sessions()})
	})
	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		detail, ok := g.SessionDetail(r.PathValue("id"))
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	})
	mux.HandleFunc("DELETE /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !g.KillSession(r.PathValue("id")) {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		killed := g.KillAllSessions()
		writeJSON(w, http.StatusOK, map[string]int{"killed": killed})
	})
	return mux
}

// handleSocket upgrades the request and services the connection until
// it closes.
func (g *Gateway) handleSocket(w http.ResponseWriter, r *http.Request) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConnection(g, socket)
	g.mutex.Lock()
	if g.closed {
		g.mutex.Unlock()
		socket.Close()
		return
	}
	g.connections[c] = struct{}{}
	g.mutex.Unlock()
	g.metrics.ConnectionsActive.Inc()

	g.logger.Debug("connection opened", "remote", r.RemoteAddr)
	c.run()
	g.logger.Debug("connection closed", "remote", r.RemoteAddr)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// Serve runs the HTTP server on address until ctx is cancelled, then
// drains it. Blocks until the server stops.
func (g *Gateway) Serve(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	server := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			g.logger.Error("http server shutdown", "error", err)
			server.Close()
		}
	})
	defer stop()

	g.logger.Info("listening", "address", listener.Addr().String())
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
