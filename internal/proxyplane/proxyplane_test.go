package proxyplane_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/airelay/airelay/internal/proxyplane"
	"github.com/airelay/airelay/internal/registry"
	"github.com/airelay/airelay/internal/rendezvous"
	"github.com/airelay/airelay/internal/wire"
)

func generateTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "airelay-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13}
}

type fakeTable struct {
	entries map[string]rendezvous.Entry
}

func (f *fakeTable) Claim(id string) (rendezvous.Entry, bool) {
	e, ok := f.entries[id]
	if ok {
		delete(f.entries, id)
	}
	return e, ok
}

func newHarness(t *testing.T, knownWorker string, table *fakeTable) string {
	t.Helper()
	reg := registry.New(0)
	if knownWorker != "" {
		reg.Insert(registry.NewSession(knownWorker, wire.ProtocolVersion1, &noopSender{}, time.Now()))
	}

	server := proxyplane.New(proxyplane.Config{
		TLSConfig: generateTLSConfig(t),
		Registry:  reg,
		Table:     table,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = server.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
	})

	return ln.Addr().String()
}

type noopSender struct{}

func (noopSender) Send(wire.Message) error { return nil }
func (noopSender) Close() error            { return nil }

func TestSpliceDeliversBufferedPrefixThenRelaysBothWays(t *testing.T) {
	publicSide, publicStream := net.Pipe()
	defer publicSide.Close()

	table := &fakeTable{entries: map[string]rendezvous.Entry{
		"rv1": {PublicStream: publicStream, BufferedPrefix: []byte("GET / HTTP/1.1\r\n")},
	}}

	addr := newHarness(t, "ffffffffffffffffffffffffffffffff", table)

	workerConn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13})
	require.NoError(t, err)
	defer workerConn.Close()

	body, err := wire.Encode(wire.Message{Kind: wire.KindNewProxyConn, NewProxyConn: &wire.NewProxyConn{
		RendezvousID: "rv1", WorkerID: "ffffffffffffffffffffffffffffffff",
	}})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(workerConn, body))

	prefix := make([]byte, len("GET / HTTP/1.1\r\n"))
	_, err = io.ReadFull(workerConn, prefix)
	require.NoError(t, err)
	require.Equal(t, "GET / HTTP/1.1\r\n", string(prefix))

	// Public-side write now relays through to the worker.
	go func() {
		_, _ = publicSide.Write([]byte("more-public-bytes"))
	}()
	more := make([]byte, len("more-public-bytes"))
	_, err = io.ReadFull(workerConn, more)
	require.NoError(t, err)
	require.Equal(t, "more-public-bytes", string(more))

	// Worker-side write relays back to the public stream.
	_, err = workerConn.Write([]byte("worker-reply"))
	require.NoError(t, err)
	reply := make([]byte, len("worker-reply"))
	_, err = io.ReadFull(publicSide, reply)
	require.NoError(t, err)
	require.Equal(t, "worker-reply", string(reply))
}

func TestUnregisteredWorkerIsClosedWithoutClaimingRendezvous(t *testing.T) {
	_, publicStream := net.Pipe()
	table := &fakeTable{entries: map[string]rendezvous.Entry{
		"rv2": {PublicStream: publicStream},
	}}

	addr := newHarness(t, "", table)

	workerConn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13})
	require.NoError(t, err)
	defer workerConn.Close()

	body, err := wire.Encode(wire.Message{Kind: wire.KindNewProxyConn, NewProxyConn: &wire.NewProxyConn{
		RendezvousID: "rv2", WorkerID: "00000000000000000000000000000000",
	}})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(workerConn, body))

	workerConn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = workerConn.Read(buf)
	require.Error(t, err)

	require.Len(t, table.entries, 1, "rendezvous must remain unclaimed when the dialing worker_id isn't registered")
}

func TestMissingRendezvousIsClosed(t *testing.T) {
	table := &fakeTable{entries: map[string]rendezvous.Entry{}}
	addr := newHarness(t, "ffffffffffffffffffffffffffffffff", table)

	workerConn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS13})
	require.NoError(t, err)
	defer workerConn.Close()

	body, err := wire.Encode(wire.Message{Kind: wire.KindNewProxyConn, NewProxyConn: &wire.NewProxyConn{
		RendezvousID: "rv-missing", WorkerID: "ffffffffffffffffffffffffffffffff",
	}})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(workerConn, body))

	workerConn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = workerConn.Read(buf)
	require.Error(t, err)
}
