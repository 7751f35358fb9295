// Package stopwait implements the Stop-and-Wait ARQ engine: at most one
// outstanding data frame, one retransmit timer per round trip.
package stopwait

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/francotosoni/tp-redes-file-transfer/internal/digest"
	"github.com/francotosoni/tp-redes-file-transfer/internal/frame"
	"github.com/francotosoni/tp-redes-file-transfer/internal/session"
	"github.com/francotosoni/tp-redes-file-transfer/internal/xfererr"
)

// Engine implements arq.Engine for the Stop-and-Wait policy.
type Engine struct{}

// New returns a Stop-and-Wait engine.
func New() *Engine { return &Engine{} }

// Name implements arq.Engine.
func (*Engine) Name() string { return "stop-and-wait" }

// RunSender implements arq.Engine.
func (*Engine) RunSender(conn net.PacketConn, peer net.Addr, startPos uint32, fs afero.Fs, path string, log *logrus.Entry) error {
	fileDigest, err := digest.Sum(fs, path)
	if err != nil {
		return errors.Wrap(err, "stopwait: digest source file")
	}

	f, err := fs.Open(path)
	if err != nil {
		return errors.Wrap(err, "stopwait: open source file")
	}
	defer f.Close()

	pos := startPos
	buf := make([]byte, frame.PayloadSize)
	recvBuf := make([]byte, frame.RecvBufferSize)
	lastPeer := peer

	for {
		n, rerr := f.Read(buf)
		if rerr != nil && rerr != io.EOF {
			return errors.Wrap(rerr, "stopwait: read source file")
		}
		if n == 0 {
			break
		}

		pos++
		payload := append([]byte(nil), buf[:n]...)
		data, err := frame.New(frame.OK, pos, payload)
		if err != nil {
			return err
		}

		newPeer, err := sendAndAwaitAck(conn, lastPeer, pos, data, recvBuf, log)
		if err != nil {
			return err
		}
		lastPeer = newPeer

		if rerr == io.EOF {
			break
		}
	}

	return session.SenderFinish(conn, lastPeer, pos+1, fileDigest, log)
}

// sendAndAwaitAck sends data and retries on timeout or a non-matching ACK,
// up to MaxConsecutiveLosts times: at most one frame is ever outstanding.
func sendAndAwaitAck(conn net.PacketConn, peer net.Addr, pos uint32, data frame.Frame, recvBuf []byte, log *logrus.Entry) (net.Addr, error) {
	encoded := frame.Encode(data)

	for attempt := 0; attempt < session.MaxConsecutiveLosts; attempt++ {
		if _, err := conn.WriteTo(encoded, peer); err != nil {
			return nil, errors.Wrap(err, "stopwait: write data frame")
		}
		if err := conn.SetReadDeadline(time.Now().Add(session.SocketTimeout)); err != nil {
			return nil, errors.Wrap(err, "stopwait: set read deadline")
		}

		n, from, err := conn.ReadFrom(recvBuf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, errors.Wrap(err, "stopwait: read ack")
		}

		reply, err := frame.Decode(recvBuf[:n])
		if err != nil {
			// Malformed frame: treated as loss.
			continue
		}
		if reply.Kind == frame.Error {
			log.Warn("peer closed the connection")
			return nil, xfererr.ConnectionAborted
		}
		if reply.Kind != frame.Ack || reply.Pos != pos {
			// Duplicate ack of a prior frame, or otherwise unexpected:
			// resend, same as a timeout.
			continue
		}
		return from, nil
	}
	return nil, xfererr.ConnectionAborted
}

// RunReceiver implements arq.Engine.
func (*Engine) RunReceiver(conn net.PacketConn, peer net.Addr, startPos uint32, fs afero.Fs, path string, first *frame.Frame, log *logrus.Entry) error {
	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrap(err, "stopwait: create destination file")
	}

	lastPos := startPos
	handshakePos := startPos
	consecutiveHandshakeDups := 0
	recvBuf := make([]byte, frame.RecvBufferSize)
	lastPeer := peer

	var finPos uint32
	var remoteDigest [16]byte
	var fin bool
	var abort error
	var deleteOnAbort bool

	// step applies the receiver's frame-handling rules to one decoded
	// frame, regardless of whether it arrived via the handshake (first) or
	// a subsequent socket read.
	step := func(m frame.Frame, from net.Addr) {
		lastPeer = from

		if m.Kind == frame.Error {
			abort = xfererr.ConnectionAborted
			deleteOnAbort = true
			return
		}
		if m.Kind == frame.Fin {
			finPos = m.Pos
			copy(remoteDigest[:], m.Payload)
			fin = true
			return
		}
		if m.Pos <= lastPos {
			ack, _ := frame.New(frame.Ack, m.Pos, nil)
			_, _ = conn.WriteTo(frame.Encode(ack), lastPeer)
			if m.Pos == handshakePos {
				consecutiveHandshakeDups++
				if consecutiveHandshakeDups >= session.MaxConsecutiveLosts {
					abort = xfererr.ConnectionAborted
				}
			}
			return
		}

		if _, werr := f.Write(m.Payload); werr != nil {
			abort = errors.Wrap(werr, "stopwait: write payload")
			return
		}
		lastPos = m.Pos

		ack, aerr := frame.New(frame.Ack, m.Pos, nil)
		if aerr != nil {
			abort = aerr
			return
		}
		if _, werr := conn.WriteTo(frame.Encode(ack), lastPeer); werr != nil {
			abort = errors.Wrap(werr, "stopwait: write ack")
		}
	}

	if first != nil {
		step(*first, peer)
	}

	for abort == nil && !fin {
		if err := conn.SetReadDeadline(time.Now().Add(session.TransferTimeout)); err != nil {
			f.Close()
			return errors.Wrap(err, "stopwait: set read deadline")
		}
		n, from, err := conn.ReadFrom(recvBuf)
		if err != nil {
			f.Close()
			if isTimeout(err) {
				return xfererr.ConnectionAborted
			}
			return errors.Wrap(err, "stopwait: read data frame")
		}

		m, err := frame.Decode(recvBuf[:n])
		if err != nil {
			continue // malformed frame: treated as loss
		}
		step(m, from)
	}

	if abort != nil {
		f.Close()
		if deleteOnAbort {
			_ = fs.Remove(path)
		}
		return abort
	}

	if err := f.Close(); err != nil {
		return errors.Wrap(err, "stopwait: close destination file")
	}

	localDigest, err := digest.Sum(fs, path)
	if err != nil {
		return errors.Wrap(err, "stopwait: digest destination file")
	}

	if err := session.ReceiverFinish(conn, lastPeer, finPos, remoteDigest, localDigest, log); err != nil {
		if errors.Is(err, xfererr.InvalidHash) {
			_ = fs.Remove(path)
		}
		return err
	}
	return nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
