// Package proxyplane implements C7: the proxy-port accept loop that
// matches a worker's dial-back to its pending rendezvous and splices
// the two halves together.
package proxyplane

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/airelay/airelay/internal/bufpool"
	"github.com/airelay/airelay/internal/metrics"
	"github.com/airelay/airelay/internal/registry"
	"github.com/airelay/airelay/internal/rendezvous"
	"github.com/airelay/airelay/internal/wire"
)

// Registry is the subset of internal/registry.Registry this plane
// needs: confirming the dialing-back worker_id is still a live session
// (spec §4.6 step 1).
type Registry interface {
	Get(workerID string) *registry.Session
}

// Table is the subset of internal/rendezvous.Table this plane needs.
type Table interface {
	Claim(rendezvousID string) (rendezvous.Entry, bool)
}

// Config configures a Server.
type Config struct {
	TLSConfig *tls.Config
	Registry  Registry
	Table     Table
}

// Server accepts worker proxy dial-backs on the proxy port.
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
	conn := tls.Server(raw, s.cfg.TLSConfig)

	handshakeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		slog.Warn("proxyplane: TLS handshake failed", "remote", raw.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}

	body, err := wire.ReadFrame(conn)
	if err != nil {
		slog.Debug("proxyplane: failed to read NewProxyConn frame", "error", err)
		_ = conn.Close()
		return
	}
	msg, err := wire.Decode(body)
	if err != nil || msg.Kind != wire.KindNewProxyConn || msg.NewProxyConn == nil {
		slog.Debug("proxyplane: first frame on proxy socket must be NewProxyConn")
		_ = conn.Close()
		return
	}
	req := msg.NewProxyConn

	// §4.6 step 1: the dialing-back worker_id must still be a live
	// session, otherwise this is a stale or spoofed dial-back.
	if s.cfg.Registry.Get(req.WorkerID) == nil {
		slog.Debug("proxyplane: NewProxyConn from unregistered worker_id", "worker_id", req.WorkerID)
		_ = conn.Close()
		return
	}

	entry, ok := s.cfg.Table.Claim(req.RendezvousID)
	if !ok {
		// Already reaped or already claimed (P5): nothing to splice.
		slog.Debug("proxyplane: no pending rendezvous", "rendezvous_id", req.RendezvousID)
		_ = conn.Close()
		return
	}

	splice(conn, entry)
}

// splice relays bytes full-duplex between the worker's proxy socket and
// the matched public stream, first delivering whatever prefix C8 had
// already peeked off the public stream before the worker saw it.
func splice(worker net.Conn, entry rendezvous.Entry) {
	defer worker.Close()
	defer entry.PublicStream.Close()

	if len(entry.BufferedPrefix) > 0 {
		if _, err := worker.Write(entry.BufferedPrefix); err != nil {
			slog.Debug("proxyplane: failed to deliver buffered prefix to worker", "error", err)
			return
		}
	}

	done := make(chan struct{}, 2)

	go func() {
		copyBuffered("to_worker", worker, entry.PublicStream)
		// Half-close so the worker sees EOF once the public side is
		// drained, without tearing down the other direction early.
		if cw, ok := worker.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		done <- struct{}{}
	}()

	go func() {
		copyBuffered("to_public", entry.PublicStream, worker)
		if cw, ok := entry.PublicStream.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		done <- struct{}{}
	}()

	<-done
	<-done
}

func copyBuffered(direction string, dst io.Writer, src io.Reader) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	n, err := io.CopyBuffer(dst, src, buf)
	metrics.RelayBytesTotal.WithLabelValues(direction).Add(float64(n))
	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		slog.Debug("proxyplane: relay copy ended", "direction", direction, "error", err)
	}
}
