package session

import (
	"net"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/francotosoni/tp-redes-file-transfer/internal/frame"
)

func TestMinimalBytesRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []uint64{0, 1, 255, 256, 65535, 65536, 1 << 32, 1<<32 - 1}
	for _, v := range cases {
		got := decodeMinimalBytes(encodeMinimalBytes(v))
		if got != v {
			t.Errorf("round trip of %d produced %d", v, got)
		}
	}
}

func TestEncodeMinimalBytesIsMinimal(t *testing.T) {
	t.Parallel()
	if len(encodeMinimalBytes(0)) != 1 {
		t.Errorf("encoding of 0 should be a single byte")
	}
	if got := len(encodeMinimalBytes(255)); got != 1 {
		t.Errorf("encoding of 255 should be 1 byte, got %d", got)
	}
	if got := len(encodeMinimalBytes(256)); got != 2 {
		t.Errorf("encoding of 256 should be 2 bytes, got %d", got)
	}
}

func udpPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestDownloadHandshake(t *testing.T) {
	t.Parallel()

	serverConn, clientConn := udpPair(t)
	log := logrus.NewEntry(logrus.New())

	done := make(chan error, 1)
	var serverPos uint32
	go func() {
		buf := make([]byte, 4096)
		n, from, err := serverConn.ReadFrom(buf)
		if err != nil {
			done <- err
			return
		}
		_ = buf[:n]
		pos, _, err := DownloadHandshakeServer(serverConn, from, 12345, log)
		serverPos = pos
		done <- err
	}()

	pos, _, size, err := DownloadHandshakeClient(clientConn, serverConn.LocalAddr(), "report.pdf")
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
	if pos != serverPos {
		t.Errorf("client pos %d != server pos %d", pos, serverPos)
	}
	if size != 12345 {
		t.Errorf("size = %d, want 12345", size)
	}
}

func TestUploadHandshake(t *testing.T) {
	t.Parallel()

	serverConn, clientConn := udpPair(t)

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		n, from, err := serverConn.ReadFrom(buf)
		if err != nil {
			done <- err
			return
		}
		req, err := frame.Decode(buf[:n])
		if err != nil {
			done <- err
			return
		}
		_, _, err = UploadHandshakeServer(serverConn, from, req.Pos)
		done <- err
	}()

	pos, _, err := UploadHandshakeClient(clientConn, serverConn.LocalAddr(), "report.pdf")
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}

	// Client must now send a first data-or-FIN frame to complete the
	// handshake; a bare FIN is enough to unblock the server's read.
	fin, err := frame.New(frame.Fin, pos+1, make([]byte, 16))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := clientConn.WriteTo(frame.Encode(fin), serverConn.LocalAddr()); err != nil {
		t.Fatal(err)
	}

	if err := <-done; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
}
