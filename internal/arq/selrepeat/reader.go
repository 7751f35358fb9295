package selrepeat

import (
	"net"
	"time"

	"github.com/francotosoni/tp-redes-file-transfer/internal/frame"
	"github.com/francotosoni/tp-redes-file-transfer/internal/session"
)

// recvResult is one decoded datagram (or a terminal read error) delivered
// by readerLoop to the engine's main loop.
type recvResult struct {
	frame frame.Frame
	from  net.Addr
	err   error
}

// readerLoop is the single reader goroutine shared by the sender and
// receiver main loops. It owns the socket's read deadline and feeds decoded
// frames into out; malformed frames are dropped silently and treated as
// loss. It runs until a terminal read error: the socket being closed, or a
// read timing out, which is how the engine signals shutdown by setting the
// read deadline to the present (see RunSender/RunReceiver).
func readerLoop(conn net.PacketConn, out chan<- recvResult) {
	buf := make([]byte, frame.RecvBufferSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(session.TransferTimeout)); err != nil {
			out <- recvResult{err: err}
			return
		}
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			out <- recvResult{err: err}
			return
		}

		f, err := frame.Decode(buf[:n])
		if err != nil {
			continue
		}
		out <- recvResult{frame: f, from: from}
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
