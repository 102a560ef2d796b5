// Copyright 2026 The Perch Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/perch-dev/perch/lib/dashboard"
	"github.com/perch-dev/perch/lib/session"
)

// maxPortAttempts bounds the forward scan when the requested port is
// busy and not pinned.
const maxPortAttempts = 100

// ErrPortsExhausted is returned when no free port exists within the
// scan window.
var ErrPortsExhausted = errors.New("no available port found")

// Server is the proxy aggregate: it owns the listener, the session
// registry, the dashboard relay client, and the upstream client, with
// a single construction and teardown order.
type Server struct {
	config      Config
	logger      *slog.Logger
	registry    *session.Registry
	relayClient RelayClient
	upstream    *relay
	handler     *handler
	httpServer  *http.Server
	listener    net.Listener
	port        int
}

// NewServer creates a proxy server from config. When config.APIKey is
// empty the server runs in passthrough mode: traffic is proxied and
// nothing is relayed.
func NewServer(config Config, logger *slog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	upstream, err := newRelay("https://" + config.TargetHost)
	if err != nil {
		return nil, err
	}

	var relayClient RelayClient
	if config.APIKey != "" {
		relayClient = dashboard.New(config.BaseURL, config.APIKey)
		logger.Info("dashboard client initialized", "base_url", config.BaseURL)
	} else {
		logger.Warn("no API key provided - running in passthrough mode")
	}

	registry := session.NewRegistry()
	serveHandler := newHandler(config, upstream, registry, relayClient, logger)

	return &Server{
		config:      config,
		logger:      logger,
		registry:    registry,
		relayClient: relayClient,
		upstream:    upstream,
		handler:     serveHandler,
		httpServer: &http.Server{
			Handler:     serveHandler,
			ReadTimeout: 30 * time.Second,
			// Streaming generation can hold a response open for a
			// while; the upstream client's own timeout is the bound.
			WriteTimeout: 5 * time.Minute,
		},
	}, nil
}

// Start binds the listener and begins serving in the background.
//
// Port selection: the requested port is tried first. When busy, a
// pinned port is a fatal error with an actionable diagnostic; an
// unpinned one starts a bounded forward scan, and the rebind is
// reported. Returns only after the listener is accepting.
func (s *Server) Start() error {
	requested := s.config.ListenPort

	for attempt := 0; attempt < maxPortAttempts; attempt++ {
		port := requested + attempt
		if port > 65535 {
			break
		}

		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			if s.config.ExplicitPort {
				return fmt.Errorf("port %d is already in use; try --port %d, "+
					"or free it with: lsof -ti:%d | xargs kill", requested, requested+1, requested)
			}
			continue
		}

		s.listener = listener
		s.port = port
		s.config.ListenPort = port

		if port != requested {
			s.logger.Info("requested port in use, rebound",
				"requested", requested,
				"port", port,
			)
		}

		go func() {
			if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
				s.logger.Error("proxy server error", "error", err)
			}
		}()

		s.logger.Info("proxy server listening", "url", s.config.ProxyURL())
		return nil
	}

	return fmt.Errorf("%w in range %d-%d; try --port %d",
		ErrPortsExhausted, requested, requested+maxPortAttempts-1, requested+maxPortAttempts)
}

// Port returns the port actually bound, which differs from the
// requested port after a rebind. Zero before Start.
func (s *Server) Port() int {
	return s.port
}

// ProxyURL returns the listener URL. Only valid after Start.
func (s *Server) ProxyURL() string {
	return fmt.Sprintf("http://localhost:%d", s.port)
}

// Registry exposes the session registry for inspection.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Shutdown stops accepting, drains in-flight handlers, ends every
// dashboard session best-effort, and closes both clients. Steps run
// unconditionally; the first error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down proxy server")

	err := s.httpServer.Shutdown(ctx)

	if s.relayClient != nil {
		s.registry.EndAll(ctx, s.relayClient, s.logger)
		s.relayClient.Close()
	}
	s.upstream.close()

	return err
}
