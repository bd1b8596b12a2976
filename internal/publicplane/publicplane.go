// Package publicplane implements C8: the public-port accept loop that
// authenticates an inbound client, picks a worker via C9, and hands the
// connection off to a rendezvous entry for C7 to splice.
package publicplane

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/airelay/airelay/internal/credresolver"
	"github.com/airelay/airelay/internal/id"
	"github.com/airelay/airelay/internal/metrics"
	"github.com/airelay/airelay/internal/principal"
	"github.com/airelay/airelay/internal/rendezvous"
	"github.com/airelay/airelay/internal/wire"
)

// dispatchOutcome distinguishes why dispatchAndPublish failed, so the
// caller can reject with the right reason and metric label instead of
// collapsing every failure into "no eligible worker".
type dispatchOutcome int

const (
	dispatchOK dispatchOutcome = iota
	dispatchNoEligibleWorker
	dispatchAtCapacity
)

// DefaultPrefixMaxBytes bounds how much of the public stream is peeked
// before dispatch, per spec §4.8 step 1.
const DefaultPrefixMaxBytes = 16 * 1024

// DefaultPrefixReadTimeout bounds how long the initial peek may take.
const DefaultPrefixReadTimeout = 5 * time.Second

// DefaultDispatchRetries is N in spec §4.8 step 7.
const DefaultDispatchRetries = 3

// DefaultDispatchTimeout is T_dispatch (spec §5).
const DefaultDispatchTimeout = 2 * time.Second

// Resolver is the subset of internal/credresolver.Resolver this plane
// needs.
type Resolver interface {
	Resolve(ctx context.Context, cred []byte) (principal.Principal, error)
}

// Dispatcher is the subset of internal/dispatch.Dispatcher this plane
// needs.
type Dispatcher interface {
	SelectExcluding(ctx context.Context, p principal.Principal, modelHint, rendezvousID string, excluded map[string]struct{}) (string, error)
}

// Table is the subset of internal/rendezvous.Table this plane needs.
type Table interface {
	Publish(rendezvousID string, publicStream net.Conn, bufferedPrefix []byte) error
	Claim(rendezvousID string) (rendezvous.Entry, bool)
}

// Config configures a Server.
type Config struct {
	TLSConfig  *tls.Config
	Resolver   Resolver
	Dispatcher Dispatcher
	Table      Table

	// SendToWorker implements the send_to_worker(worker_id, cmd) contract
	// (spec §4.8 step 7); wired by internal/server to
	// controlplane.SendToWorker bound to the shared registry.
	SendToWorker func(workerID string, msg wire.Message) error

	PrefixMaxBytes    int
	PrefixReadTimeout time.Duration
	DispatchRetries   int
	DispatchTimeout   time.Duration

	// MaxConnections caps how many public connections may be handled at
	// once (spec §5 resource caps); zero or negative means unlimited. A
	// connection that would exceed the cap is closed immediately without
	// a TLS handshake, never an in-flight one.
	MaxConnections int
}

func (c *Config) setDefaults() {
	if c.PrefixMaxBytes <= 0 {
		c.PrefixMaxBytes = DefaultPrefixMaxBytes
	}
	if c.PrefixReadTimeout <= 0 {
		c.PrefixReadTimeout = DefaultPrefixReadTimeout
	}
	if c.DispatchRetries <= 0 {
		c.DispatchRetries = DefaultDispatchRetries
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = DefaultDispatchTimeout
	}
}

// Server accepts public client connections.
type Server struct {
	cfg  Config
	slot chan struct{} // nil when MaxConnections <= 0 (unlimited)
}

// releaseOnceConn ties a slot acquired from Server.slot to the wrapped
// connection's actual lifetime rather than to handleConn returning.
// Once dispatchAndPublish succeeds, ownership of the connection passes
// to the rendezvous table and it isn't closed until C7 splices it or
// the reaper times it out — sometimes long after handleConn has
// already returned — so the slot must be released from Close, not from
// a goroutine-scoped defer.
type releaseOnceConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *releaseOnceConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}

// New constructs a Server from cfg.
func New(cfg Config) *Server {
	cfg.setDefaults()
	s := &Server{cfg: cfg}
	if cfg.MaxConnections > 0 {
		s.slot = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Serve accepts connections on ln until ctx is cancelled or Accept
// fails. It blocks; callers run it in its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		if s.slot != nil {
			select {
			case s.slot <- struct{}{}:
			default:
				// At max_public_connections: reject this new connection
				// outright, never an in-flight one (spec §5).
				metrics.PublicRejectionsTotal.WithLabelValues("capacity").Inc()
				_ = conn.Close()
				continue
			}
		}

		metrics.PublicConnectionsTotal.Inc()
		metrics.PublicConnectionsActive.Inc()
		tracked := &releaseOnceConn{Conn: conn, release: func() {
			metrics.PublicConnectionsActive.Dec()
			if s.slot != nil {
				<-s.slot
			}
		}}
		go s.handleConn(ctx, tracked)
	}
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := tls.Server(raw, s.cfg.TLSConfig)

	handshakeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		slog.Warn("publicplane: TLS handshake failed", "remote", raw.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}

	prefix, err := readPrefix(conn, s.cfg.PrefixMaxBytes, s.cfg.PrefixReadTimeout)
	if err != nil {
		_ = conn.Close()
		return
	}

	req, body, isHTTP := parseHTTPPrefix(prefix)
	cred, ok := extractCredential(req, body)
	if !ok {
		s.reject(conn, isHTTP, http.StatusUnauthorized, "unauthorized")
		metrics.PublicRejectionsTotal.WithLabelValues("unauthorized").Inc()
		return
	}

	p, err := s.cfg.Resolver.Resolve(ctx, []byte(cred))
	if err != nil {
		switch {
		case errors.Is(err, credresolver.ErrUnauthorized):
			s.reject(conn, isHTTP, http.StatusUnauthorized, "unauthorized")
			metrics.PublicRejectionsTotal.WithLabelValues("unauthorized").Inc()
		default:
			s.reject(conn, isHTTP, http.StatusServiceUnavailable, "unavailable")
			metrics.PublicRejectionsTotal.WithLabelValues("unavailable").Inc()
		}
		return
	}

	modelHint := extractModelHint(req, body)

	if outcome := s.dispatchAndPublish(ctx, conn, prefix, p, modelHint); outcome != dispatchOK {
		reason, label := "no eligible worker", "no_eligible_worker"
		if outcome == dispatchAtCapacity {
			reason, label = "at capacity", "rendezvous_capacity"
		}
		s.reject(conn, isHTTP, http.StatusServiceUnavailable, reason)
		metrics.PublicRejectionsTotal.WithLabelValues(label).Inc()
		return
	}

	// Ownership of conn now belongs to the rendezvous entry; C7 will
	// close it once the splice completes or the reaper times it out.
}

// dispatchAndPublish implements spec §4.8 steps 5-7: select a worker,
// publish a rendezvous entry, and ask the worker to dial back, retrying
// up to DispatchRetries times (excluding any worker a send failed
// against) within DispatchTimeout.
func (s *Server) dispatchAndPublish(ctx context.Context, conn net.Conn, prefix []byte, p principal.Principal, modelHint string) dispatchOutcome {
	deadline := time.Now().Add(s.cfg.DispatchTimeout)
	excluded := make(map[string]struct{})
	outcome := dispatchNoEligibleWorker

	for attempt := 0; attempt < s.cfg.DispatchRetries; attempt++ {
		if time.Now().After(deadline) {
			return outcome
		}

		rendezvousID := id.RendezvousID()
		workerID, err := s.cfg.Dispatcher.SelectExcluding(ctx, p, modelHint, rendezvousID, excluded)
		if err != nil {
			// ErrNoEligibleWorker (or any other selection error) ends the
			// attempt loop immediately; there is nothing to retry.
			return outcome
		}

		if err := s.cfg.Table.Publish(rendezvousID, conn, prefix); err != nil {
			if errors.Is(err, rendezvous.ErrMaxPendingExceeded) {
				outcome = dispatchAtCapacity
			}
			slog.Warn("publicplane: failed to publish rendezvous", "rendezvous_id", rendezvousID, "error", err)
			continue
		}

		sendErr := s.cfg.SendToWorker(workerID, wire.Message{Kind: wire.KindRequestNewProxyConn, RequestNewProxyConn: &wire.RequestNewProxyConn{
			RendezvousID: rendezvousID,
			ModelHint:    modelHint,
		}})
		if sendErr == nil {
			return dispatchOK
		}

		slog.Debug("publicplane: send_to_worker failed, retrying", "worker_id", workerID, "error", sendErr)
		s.cfg.Table.Claim(rendezvousID) // remove from C5; conn ownership stays with us
		excluded[workerID] = struct{}{}
		outcome = dispatchNoEligibleWorker
	}
	return outcome
}

func (s *Server) reject(conn net.Conn, isHTTP bool, status int, reason string) {
	if isHTTP {
		resp := "HTTP/1.1 " + itoa(status) + " " + http.StatusText(status) + "\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"
		_, _ = conn.Write([]byte(resp))
	}
	_ = conn.Close()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// readPrefix reads up to maxBytes from conn, stopping early once an
// HTTP header boundary ("\r\n\r\n") is seen, or on EOF (spec §4.8
// step 1).
func readPrefix(conn net.Conn, maxBytes int, timeout time.Duration) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, maxBytes)
	chunk := make([]byte, 4096)
	for len(buf) < maxBytes {
		toRead := chunk
		if remaining := maxBytes - len(buf); remaining < len(toRead) {
			toRead = chunk[:remaining]
		}
		n, err := conn.Read(toRead)
		if n > 0 {
			buf = append(buf, toRead[:n]...)
			if bytes.Contains(buf, []byte("\r\n\r\n")) {
				return buf, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return buf, nil
			}
			return buf, err
		}
	}
	return buf, nil
}

// parseHTTPPrefix attempts to parse prefix as an HTTP request line plus
// headers. Returns ok=false if no full header section is present, in
// which case the caller treats the stream as opaque TCP.
func parseHTTPPrefix(prefix []byte) (req *http.Request, body []byte, ok bool) {
	if !bytes.Contains(prefix, []byte("\r\n\r\n")) {
		return nil, nil, false
	}
	br := bufio.NewReader(bytes.NewReader(prefix))
	r, err := http.ReadRequest(br)
	if err != nil {
		return nil, nil, false
	}
	rest, _ := io.ReadAll(r.Body)
	return r, rest, true
}

// extractCredential implements spec §4.8 step 2: Authorization: Bearer,
// else a custom API key header, else a JSON body field, in that order.
func extractCredential(req *http.Request, body []byte) (string, bool) {
	if req != nil {
		if auth := req.Header.Get("Authorization"); len(auth) > len("Bearer ") && auth[:7] == "Bearer " {
			return auth[7:], true
		}
		if key := req.Header.Get("X-Api-Key"); key != "" {
			return key, true
		}
	}
	var payload struct {
		APIKey string `json:"api_key"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.APIKey != "" {
		return payload.APIKey, true
	}
	return "", false
}

// extractModelHint implements spec §4.8 step 4: an explicit header,
// else a JSON body field.
func extractModelHint(req *http.Request, body []byte) string {
	if req != nil {
		if m := req.Header.Get("X-Model"); m != "" {
			return m
		}
	}
	var payload struct {
		Model string `json:"model"`
	}
	if json.Unmarshal(body, &payload) == nil {
		return payload.Model
	}
	return ""
}
