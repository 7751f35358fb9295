package testnet

import (
	"net"
	"testing"
	"time"
)

func deadlineInOneSecond() time.Time {
	return time.Now().Add(time.Second)
}

func TestLossyConnDropsAboutExpectedFraction(t *testing.T) {
	t.Parallel()

	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	lossy := NewLossyConn(a, 0.5, 42)

	const n = 2000
	for i := 0; i < n; i++ {
		if _, err := lossy.WriteTo([]byte{byte(i)}, b.LocalAddr()); err != nil {
			t.Fatal(err)
		}
	}

	received := 0
	buf := make([]byte, 64)
	_ = b.SetReadDeadline(deadlineInOneSecond())
	for {
		if _, _, err := b.ReadFrom(buf); err != nil {
			break
		}
		received++
	}

	if received == 0 || received == n {
		t.Fatalf("expected partial delivery with p=0.5, got %d/%d", received, n)
	}
}

func TestLossyConnZeroLossDeliversEverything(t *testing.T) {
	t.Parallel()

	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	lossy := NewLossyConn(a, 0, 7)

	const n = 100
	for i := 0; i < n; i++ {
		if _, err := lossy.WriteTo([]byte{byte(i)}, b.LocalAddr()); err != nil {
			t.Fatal(err)
		}
	}

	received := 0
	buf := make([]byte, 64)
	_ = b.SetReadDeadline(deadlineInOneSecond())
	for {
		if _, _, err := b.ReadFrom(buf); err != nil {
			break
		}
		received++
	}

	if received != n {
		t.Fatalf("expected all %d datagrams delivered with p=0, got %d", n, received)
	}
}
