package server

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/francotosoni/tp-redes-file-transfer/internal/arq/selrepeat"
	"github.com/francotosoni/tp-redes-file-transfer/internal/arq/stopwait"
	"github.com/francotosoni/tp-redes-file-transfer/internal/session"
	"github.com/francotosoni/tp-redes-file-transfer/internal/storage"
	"github.com/francotosoni/tp-redes-file-transfer/internal/testnet"
	"github.com/francotosoni/tp-redes-file-transfer/internal/xfererr"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return logrus.NewEntry(l)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func startServer(t *testing.T, store *storage.Store) *Server {
	t.Helper()
	srv, err := New("127.0.0.1:0", store, stopwait.New(), discardLog())
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Shutdown() })
	return srv
}

func clientConn(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestDownloadRoundTrip exercises S1-style download: an existing file is
// fetched byte-identical over the dispatcher.
func TestDownloadRoundTrip(t *testing.T) {
	t.Parallel()

	store := storage.NewMem("/store")
	content := bytes.Repeat([]byte("server-dispatched content "), 200)
	if err := afero.WriteFile(store.Fs, store.Path("report.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	srv := startServer(t, store)
	conn := clientConn(t)

	pos, peer, size, err := session.DownloadHandshakeClient(conn, srv.Addr(), "report.bin")
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if size != int64(len(content)) {
		t.Fatalf("announced size = %d, want %d", size, len(content))
	}

	dstFs := afero.NewMemMapFs()
	eng := stopwait.New()
	if err := eng.RunReceiver(conn, peer, pos, dstFs, "/out.bin", nil, discardLog()); err != nil {
		t.Fatalf("RunReceiver: %v", err)
	}

	got, err := afero.ReadFile(dstFs, "/out.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("downloaded content mismatch: got %d bytes, want %d", len(got), len(content))
	}
}

// TestDownloadMissingFile exercises S3: the client observes FileNotFound and
// the registry holds no lingering entry for the peer afterward.
func TestDownloadMissingFile(t *testing.T) {
	t.Parallel()

	store := storage.NewMem("/store")
	srv := startServer(t, store)
	conn := clientConn(t)

	_, _, _, err := session.DownloadHandshakeClient(conn, srv.Addr(), "does-not-exist.bin")
	if err != xfererr.FileNotFound {
		t.Fatalf("err = %v, want xfererr.FileNotFound", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.reg.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := srv.reg.Len(); n != 0 {
		t.Errorf("registry still holds %d entries after FileNotFound", n)
	}
}

// TestUploadRoundTrip exercises the upload handshake and bulk transfer,
// including the handshake's first-frame handoff into the receiver engine.
func TestUploadRoundTrip(t *testing.T) {
	t.Parallel()

	store := storage.NewMem("/store")
	srv := startServer(t, store)
	conn := clientConn(t)

	pos, peer, err := session.UploadHandshakeClient(conn, srv.Addr(), "incoming.bin")
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}

	srcFs := afero.NewMemMapFs()
	content := bytes.Repeat([]byte("uploaded payload "), 150)
	if err := afero.WriteFile(srcFs, "/src.bin", content, 0o644); err != nil {
		t.Fatal(err)
	}

	eng := stopwait.New()
	if err := eng.RunSender(conn, peer, pos, srcFs, "/src.bin", discardLog()); err != nil {
		t.Fatalf("RunSender: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got []byte
	var rerr error
	for time.Now().Before(deadline) {
		got, rerr = afero.ReadFile(store.Fs, store.Path("incoming.bin"))
		if rerr == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rerr != nil {
		t.Fatalf("reading uploaded file: %v", rerr)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("uploaded content mismatch: got %d bytes, want %d", len(got), len(content))
	}
}

// TestConcurrentUploadsBothSucceed exercises S5: two concurrent clients
// upload distinct files; both succeed and are stored.
func TestConcurrentUploadsBothSucceed(t *testing.T) {
	t.Parallel()

	store := storage.NewMem("/store")
	srv := startServer(t, store)

	upload := func(name string, content []byte) error {
		conn := clientConn(t)
		pos, peer, err := session.UploadHandshakeClient(conn, srv.Addr(), name)
		if err != nil {
			return err
		}
		srcFs := afero.NewMemMapFs()
		if err := afero.WriteFile(srcFs, "/src.bin", content, 0o644); err != nil {
			return err
		}
		return stopwait.New().RunSender(conn, peer, pos, srcFs, "/src.bin", discardLog())
	}

	errCh := make(chan error, 2)
	go func() { errCh <- upload("a.bin", bytes.Repeat([]byte("AAAA"), 1000)) }()
	go func() { errCh <- upload("b.bin", bytes.Repeat([]byte("BBBB"), 1000)) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("upload failed: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for (!store.Exists("a.bin") || !store.Exists("b.bin")) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !store.Exists("a.bin") || !store.Exists("b.bin") {
		t.Fatal("expected both uploaded files to be stored")
	}
}

// TestDownloadWithSimulatedLossStillSucceeds exercises an S2-style scenario:
// selective-repeat tolerates a simulated loss rate on the client's outgoing
// datagrams (its ACKs), which forces the server's per-frame retransmit
// timers to fire, and the download still completes byte-identical.
func TestDownloadWithSimulatedLossStillSucceeds(t *testing.T) {
	t.Parallel()

	store := storage.NewMem("/store")
	content := bytes.Repeat([]byte("loss-resilient payload segment "), 2000)
	if err := afero.WriteFile(store.Fs, store.Path("big.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	srv, err := New("127.0.0.1:0", store, selrepeat.New(), discardLog())
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Shutdown() })

	rawConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rawConn.Close() })
	conn := testnet.NewLossyConn(rawConn, 0.15, 99)

	pos, peer, size, err := session.DownloadHandshakeClient(conn, srv.Addr(), "big.bin")
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if size != int64(len(content)) {
		t.Fatalf("announced size = %d, want %d", size, len(content))
	}

	dstFs := afero.NewMemMapFs()
	if err := selrepeat.New().RunReceiver(conn, peer, pos, dstFs, "/out.bin", nil, discardLog()); err != nil {
		t.Fatalf("RunReceiver: %v", err)
	}

	got, err := afero.ReadFile(dstFs, "/out.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("downloaded content mismatch under simulated loss: got %d bytes, want %d", len(got), len(content))
	}
}
