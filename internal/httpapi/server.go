// Package httpapi exposes the bridge over HTTP: the webhook that answers
// incoming calls with stream instructions, the media stream WebSocket
// endpoint, health probes, and the Prometheus metrics endpoint.
package httpapi

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caavoice/evibridge/internal/bridge"
	"github.com/caavoice/evibridge/internal/health"
	"github.com/caavoice/evibridge/internal/observe"
	"github.com/caavoice/evibridge/pkg/telephony"
)

// Config configures a [Server].
type Config struct {
	// Bridge handles accepted media streams. Required.
	Bridge *bridge.Bridge

	// PublicHost is the externally reachable host (and optional port) used
	// when building the stream URL for call instructions. When empty the
	// request's Host header is used instead.
	PublicHost string

	// Metrics records HTTP request durations. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Checkers are evaluated by the readiness probe.
	Checkers []health.Checker
}

// Server routes HTTP traffic for the bridge process.
type Server struct {
	bridge     *bridge.Bridge
	publicHost string
	handler    http.Handler
}

// New builds a Server and its route table.
func New(cfg Config) (*Server, error) {
	if cfg.Bridge == nil {
		return nil, errors.New("httpapi: Bridge is required")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	s := &Server{
		bridge:     cfg.Bridge,
		publicHost: cfg.PublicHost,
	}

	hc := health.New(cfg.Checkers...)
	hc.ReportSessions(s.bridge.Registry().Len)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /voice/incoming", s.handleIncoming)
	mux.Handle("GET /metrics", promhttp.Handler())
	hc.Register(mux)

	// The stream endpoint bypasses the observability middleware: the
	// middleware's span and duration metric assume short request lifetimes,
	// while a media stream stays open for the whole call.
	outer := http.NewServeMux()
	outer.HandleFunc("GET /voice/stream", s.handleStream)
	outer.Handle("/", observe.Middleware(metrics)(mux))

	s.handler = outer
	return s, nil
}

// Handler returns the root handler for use with an [http.Server].
func (s *Server) Handler() http.Handler { return s.handler }

// ── Call webhook ──────────────────────────────────────────────────────────────

// connectResponse is the XML instruction document returned to the telephony
// provider, telling it to open a media stream back to this process.
type connectResponse struct {
	XMLName xml.Name       `xml:"Response"`
	Connect connectElement `xml:"Connect"`
}

type connectElement struct {
	Stream streamElement `xml:"Stream"`
}

type streamElement struct {
	URL string `xml:"url,attr"`
}

// handleIncoming answers the provider's incoming-call webhook with an
// instruction document pointing at the stream endpoint.
func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	doc := connectResponse{
		Connect: connectElement{
			Stream: streamElement{URL: s.streamURL(r)},
		},
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, xml.Header)
	if err := xml.NewEncoder(w).Encode(doc); err != nil {
		slog.WarnContext(r.Context(), "failed to write call instructions", "err", err)
	}
}

// streamURL builds the WebSocket URL the provider should connect back to.
// The scheme follows the inbound request: TLS (directly or via a
// terminating proxy) yields wss.
func (s *Server) streamURL(r *http.Request) string {
	scheme := "ws"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "wss"
	}
	host := s.publicHost
	if host == "" {
		host = r.Host
	}
	return scheme + "://" + host + "/voice/stream"
}

// ── Media stream ──────────────────────────────────────────────────────────────

// handleStream upgrades the connection to a WebSocket and hands it to the
// bridge for the lifetime of the call.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := telephony.Accept(w, r)
	if err != nil {
		slog.WarnContext(r.Context(), "stream upgrade failed", "err", err)
		return
	}

	if err := s.bridge.AcceptTelephony(r.Context(), conn); err != nil && !errors.Is(err, context.Canceled) {
		slog.ErrorContext(r.Context(), "media stream session failed", "err", err)
	}
}
