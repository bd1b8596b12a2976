// Package controlplane implements C6: the control-port TLS accept loop
// that runs the worker login handshake, relays heartbeats into C10,
// forwards opaque v2 P2P envelopes between workers, and keeps the
// registry (C4) live.
package controlplane

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/airelay/airelay/internal/credresolver"
	"github.com/airelay/airelay/internal/heartbeat"
	"github.com/airelay/airelay/internal/id"
	"github.com/airelay/airelay/internal/registry"
	"github.com/airelay/airelay/internal/store"
	"github.com/airelay/airelay/internal/wire"
)

// ErrGoneAway is returned by SendToWorker when the named worker has no
// live session in the registry (spec §4.8 step 7's send_to_worker
// contract).
var ErrGoneAway = errors.New("controlplane: worker has no live session")

// ErrWriteFailed is returned by SendToWorker when the session exists
// but writing to its control socket failed; the session is evicted as
// part of returning this error.
var ErrWriteFailed = errors.New("controlplane: write to worker failed")

// Config configures a Server.
type Config struct {
	TLSConfig         *tls.Config
	Registry          *registry.Registry
	Resolver          *credresolver.Resolver
	Store             store.Store
	HeartbeatDrain    *heartbeat.Drain
	KeepaliveIdle     time.Duration
	KeepaliveInterval time.Duration
	KeepaliveRetries  int

	// HeartbeatDeadAfter is T_heartbeat_dead (spec §5/§4.6): readLoop
	// refreshes its read deadline to this duration after every frame, so
	// a socket that stays open but stops producing heartbeats (worker
	// frozen, not disconnected) is caught here instead of relying solely
	// on C10's periodic registry sweep.
	HeartbeatDeadAfter time.Duration
}

// Server accepts worker control connections.
type Server struct {
	cfg Config
}

// New constructs a Server from cfg.
func New(cfg Config) *Server {
	return &Server{cfg: cfg}
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
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	if tcpConn, ok := raw.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAliveConfig(net.KeepAliveConfig{
			Enable:   true,
			Idle:     s.cfg.KeepaliveIdle,
			Interval: s.cfg.KeepaliveInterval,
			Count:    s.cfg.KeepaliveRetries,
		})
	}

	conn := tls.Server(raw, s.cfg.TLSConfig)
	defer conn.Close()

	handshakeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		slog.Warn("controlplane: TLS handshake failed", "remote", raw.RemoteAddr(), "error", err)
		return
	}

	login, err := s.readLogin(conn)
	if err != nil {
		slog.Warn("controlplane: login read failed", "remote", raw.RemoteAddr(), "error", err)
		return
	}

	if !id.IsValidHexID(login.WorkerID) {
		s.reject(conn, "malformed worker_id")
		return
	}

	p, err := s.cfg.Resolver.Resolve(ctx, login.Credential)
	if err != nil {
		s.reject(conn, "unauthorized")
		return
	}

	sender := &connSender{conn: conn}
	sess := registry.NewSession(login.WorkerID, login.ProtocolVersion, sender, time.Now())

	if err := s.cfg.Store.UpsertWorkerMetadata(ctx, login.WorkerID, store.WorkerMetadata{
		CredentialHash: p.CredentialHash,
		Tier:           p.Tier,
		RegisteredAt:   time.Now(),
	}); err != nil {
		slog.Error("controlplane: upsert worker metadata failed", "worker_id", login.WorkerID, "error", err)
		s.reject(conn, "internal error")
		return
	}

	evicted, err := s.cfg.Registry.Insert(sess)
	if err != nil {
		slog.Warn("controlplane: login rejected, registry at capacity", "worker_id", login.WorkerID)
		s.reject(conn, "registry at capacity")
		return
	}
	if evicted != nil {
		slog.Info("controlplane: duplicate login evicted previous session", "worker_id", login.WorkerID)
		_ = evicted.Close()
	}

	if err := sess.Send(wire.Message{Kind: wire.KindLoginResult, LoginResult: &wire.LoginResult{OK: true}}); err != nil {
		s.cfg.Registry.Remove(login.WorkerID, sess)
		return
	}

	s.readLoop(ctx, conn, sess)
	s.cfg.Registry.Remove(login.WorkerID, sess)
}

func (s *Server) readLogin(conn net.Conn) (*wire.Login, error) {
	body, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	msg, err := wire.Decode(body)
	if err != nil {
		return nil, err
	}
	if msg.Kind != wire.KindLogin || msg.Login == nil {
		return nil, fmt.Errorf("controlplane: first message on control socket must be Login, got kind %d", msg.Kind)
	}
	return msg.Login, nil
}

func (s *Server) reject(conn net.Conn, reason string) {
	body, err := wire.Encode(wire.Message{Kind: wire.KindLoginResult, LoginResult: &wire.LoginResult{OK: false, Reason: reason}})
	if err != nil {
		return
	}
	_ = wire.WriteFrame(conn, body)
}

// readLoop processes Heartbeat/P2P/NewProxyConn messages until the
// socket errors out, the session's protocol dictates closure, or the
// worker goes quiet for longer than HeartbeatDeadAfter (spec §4.6: "socket
// alive but worker frozen" must be detected independent of TCP keepalive).
func (s *Server) readLoop(ctx context.Context, conn net.Conn, sess *registry.Session) {
	deadAfter := s.cfg.HeartbeatDeadAfter
	if deadAfter <= 0 {
		deadAfter = heartbeat.DefaultHeartbeatDeadAfter
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(deadAfter))
		body, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		msg, err := wire.Decode(body)
		if err != nil {
			slog.Debug("controlplane: decode error, closing session", "worker_id", sess.WorkerID, "error", err)
			return
		}

		switch msg.Kind {
		case wire.KindHeartbeat:
			s.handleHeartbeat(sess, msg.Heartbeat)
		case wire.KindP2P:
			if sess.ProtocolVersion < wire.ProtocolVersion2 {
				slog.Debug("controlplane: P2P message on a v1 session, closing", "worker_id", sess.WorkerID)
				return
			}
			s.forwardP2P(msg.P2P)
		case wire.KindNewProxyConn:
			// NewProxyConn belongs on the proxy port (§4.6 step 3); receiving
			// it here is a protocol error.
			slog.Debug("controlplane: NewProxyConn on control socket, closing", "worker_id", sess.WorkerID)
			return
		default:
			slog.Debug("controlplane: unexpected message kind on control socket, closing", "worker_id", sess.WorkerID, "kind", msg.Kind)
			return
		}
	}
}

func (s *Server) handleHeartbeat(sess *registry.Session, hb *wire.Heartbeat) {
	if hb == nil {
		return
	}
	now := time.Now()
	sess.UpdateTelemetry(now, hb.System, hb.Devices, hb.ModelsOffered)

	if hb.System == nil {
		return
	}
	ev := store.HeartbeatEvent{
		ID:           id.Generate(),
		WorkerID:     sess.WorkerID,
		At:           now,
		CPUPct:       hb.System.CPUPct,
		MemPct:       hb.System.MemPct,
		DiskPct:      hb.System.DiskPct,
		HasTemp:      hb.System.HasTemp,
		Temperature:  hb.System.Temperature,
		BandwidthIn:  hb.System.BandwidthIn,
		BandwidthOut: hb.System.BandwidthOut,
		HasPower:     hb.System.HasPower,
		Power:        hb.System.Power,
	}
	s.cfg.HeartbeatDrain.Submit(ev)
}

func (s *Server) forwardP2P(p *wire.P2P) {
	if p == nil {
		return
	}
	target := s.cfg.Registry.Get(p.TargetWorkerID)
	if target == nil {
		return // opaque to the core; silently dropped if the peer isn't registered
	}
	_ = target.Send(wire.Message{Kind: wire.KindP2P, P2P: p})
}

// SendToWorker implements the send_to_worker(worker_id, cmd) contract
// used by C8/C9 to ask a worker to dial back the proxy port. On a
// write failure the session is evicted before returning ErrWriteFailed.
func SendToWorker(reg *registry.Registry, workerID string, msg wire.Message) error {
	sess := reg.Get(workerID)
	if sess == nil {
		return ErrGoneAway
	}
	if err := sess.Send(msg); err != nil {
		reg.Remove(workerID, sess)
		_ = sess.Close()
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// connSender adapts a net.Conn to registry.Sender.
type connSender struct {
	conn net.Conn
}

func (c *connSender) Send(msg wire.Message) error {
	body, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return wire.WriteFrame(c.conn, body)
}

func (c *connSender) Close() error {
	return c.conn.Close()
}
