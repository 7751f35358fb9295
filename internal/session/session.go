// Package session implements the three-phase session state machine shared
// by both ARQ engines: handshake, and termination (FIN/verdict/linger). The
// bulk-transfer phase itself is delegated to an arq.Engine; this package
// only holds the parts that don't vary by ARQ policy.
package session

import (
	"math/rand"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/francotosoni/tp-redes-file-transfer/internal/frame"
	"github.com/francotosoni/tp-redes-file-transfer/internal/xfererr"
)

// Protocol-wide timeout and retry tunables.
const (
	// SocketTimeout is the per-datagram timeout used during handshake and
	// stop-and-wait transfer, and as the per-frame retransmit timer in
	// selective-repeat.
	SocketTimeout = 500 * time.Millisecond
	// MaxConsecutiveLosts is the retry budget before a phase aborts with
	// ConnectionAborted.
	MaxConsecutiveLosts = 30
	// TransferTimeout is the extended read timeout used during bulk
	// transfer by both engines' receivers and the selective-repeat sender.
	TransferTimeout = SocketTimeout * MaxConsecutiveLosts
	// LingerTimeout is how long the termination receiver keeps re-sending
	// its verdict after the last datagram it saw, before giving up.
	LingerTimeout = 7 * SocketTimeout
	// WindowSize bounds the selective-repeat sender's outstanding-frame window.
	WindowSize = 500
	// InitialSeqMax bounds the randomly chosen initial sequence number.
	InitialSeqMax = 10000
)

// State is a session's place in the NEW -> HANDSHAKING -> TRANSFERRING ->
// TERMINATING -> CLOSED lifecycle.
type State int

const (
	New State = iota
	Handshaking
	Transferring
	Terminating
	Closed
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Handshaking:
		return "HANDSHAKING"
	case Transferring:
		return "TRANSFERRING"
	case Terminating:
		return "TERMINATING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Direction is which side of the exchange owns the file being transferred.
type Direction int

const (
	// Download: the server sends file data, the client receives it.
	Download Direction = iota
	// Upload: the client sends file data, the server receives it.
	Upload
)

// RandomSeq picks the initial sequence number from [0, InitialSeqMax] for
// either side of the handshake to propose.
func RandomSeq() uint32 {
	return uint32(rand.Intn(InitialSeqMax + 1))
}

// sendRecvWithRetry sends encode() and waits for a reply, resending on each
// SocketTimeout expiry up to MaxConsecutiveLosts times. It is the common
// shape of every retry loop in the handshake and termination phases.
func sendRecvWithRetry(conn net.PacketConn, peer net.Addr, encode func() []byte, buf []byte) ([]byte, net.Addr, error) {
	if err := conn.SetReadDeadline(time.Now().Add(SocketTimeout)); err != nil {
		return nil, nil, errors.Wrap(err, "session: set read deadline")
	}

	for attempt := 0; attempt < MaxConsecutiveLosts; attempt++ {
		if _, err := conn.WriteTo(encode(), peer); err != nil {
			return nil, nil, errors.Wrap(err, "session: write")
		}

		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				if err := conn.SetReadDeadline(time.Now().Add(SocketTimeout)); err != nil {
					return nil, nil, errors.Wrap(err, "session: set read deadline")
				}
				continue
			}
			return nil, nil, errors.Wrap(err, "session: read")
		}
		return buf[:n], from, nil
	}
	return nil, nil, xfererr.ConnectionAborted
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// DownloadHandshakeServer replies to a DOWNLOAD request with the file size
// and a proposed initial sequence number, on a fresh per-peer socket, and
// waits for the client to echo it back. It returns the agreed sequence
// number.
func DownloadHandshakeServer(conn net.PacketConn, peer net.Addr, fileSize int64, log *logrus.Entry) (uint32, net.Addr, error) {
	pos := RandomSeq()
	sizePayload := encodeMinimalBytes(uint64(fileSize))
	reply, err := frame.New(frame.OK, pos, sizePayload)
	if err != nil {
		return 0, nil, err
	}

	buf := make([]byte, frame.RecvBufferSize)
	raw, from, err := sendRecvWithRetry(conn, peer, func() []byte { return frame.Encode(reply) }, buf)
	if err != nil {
		return 0, nil, err
	}

	ack, err := frame.Decode(raw)
	if err != nil || ack.Kind != frame.Ack || ack.Pos != pos {
		log.Warn("download handshake: peer did not echo expected ACK")
		return 0, nil, xfererr.ConnectionAborted
	}
	return pos, from, nil
}

// DownloadHandshakeClient sends a DOWNLOAD request for filename and
// completes the handshake by echoing back the server's proposed sequence
// number.
func DownloadHandshakeClient(conn net.PacketConn, server net.Addr, filename string) (pos uint32, peer net.Addr, fileSize int64, err error) {
	req, err := frame.New(frame.Download, 0, []byte(filename))
	if err != nil {
		return 0, nil, 0, err
	}

	buf := make([]byte, frame.RecvBufferSize)
	raw, from, err := sendRecvWithRetry(conn, server, func() []byte { return frame.Encode(req) }, buf)
	if err != nil {
		return 0, nil, 0, err
	}

	res, err := frame.Decode(raw)
	if err != nil {
		return 0, nil, 0, xfererr.ConnectionAborted
	}
	if res.Kind == frame.Error {
		if len(res.Payload) == 1 && res.Payload[0] == frame.FileNotFoundError {
			return 0, nil, 0, xfererr.FileNotFound
		}
		return 0, nil, 0, xfererr.ConnectionAborted
	}
	if res.Kind != frame.OK {
		sendBestEffortError(conn, from)
		return 0, nil, 0, xfererr.ConnectionAborted
	}

	size := decodeMinimalBytes(res.Payload)
	ack, err := frame.New(frame.Ack, res.Pos, nil)
	if err != nil {
		return 0, nil, 0, err
	}
	if _, err := conn.WriteTo(frame.Encode(ack), from); err != nil {
		return 0, nil, 0, errors.Wrap(err, "session: write handshake ack")
	}

	return res.Pos, from, int64(size), nil
}

// UploadHandshakeServer acks the client's UPLOAD request, on a fresh
// per-peer socket. reqPos is the pos
// carried by the client's original UPLOAD frame. It returns the client's
// first post-handshake frame, which serves as the handshake-complete signal.
func UploadHandshakeServer(conn net.PacketConn, peer net.Addr, reqPos uint32) (frame.Frame, net.Addr, error) {
	ack, err := frame.New(frame.Ack, reqPos, nil)
	if err != nil {
		return frame.Frame{}, nil, err
	}

	buf := make([]byte, frame.RecvBufferSize)
	raw, from, err := sendRecvWithRetry(conn, peer, func() []byte { return frame.Encode(ack) }, buf)
	if err != nil {
		return frame.Frame{}, nil, err
	}

	first, err := frame.Decode(raw)
	if err != nil {
		return frame.Frame{}, nil, xfererr.ConnectionAborted
	}
	return first, from, nil
}

// UploadHandshakeClient proposes an initial sequence number and sends an
// UPLOAD request for filename, waiting for the server to ack it.
func UploadHandshakeClient(conn net.PacketConn, server net.Addr, filename string) (pos uint32, peer net.Addr, err error) {
	pos = RandomSeq()
	req, err := frame.New(frame.Upload, pos, []byte(filename))
	if err != nil {
		return 0, nil, err
	}

	buf := make([]byte, frame.RecvBufferSize)
	raw, from, err := sendRecvWithRetry(conn, server, func() []byte { return frame.Encode(req) }, buf)
	if err != nil {
		return 0, nil, err
	}

	ack, err := frame.Decode(raw)
	if err != nil || ack.Kind != frame.Ack || ack.Pos != pos {
		sendBestEffortError(conn, from)
		return 0, nil, xfererr.ConnectionAborted
	}
	return pos, from, nil
}

// SenderFinish transmits FIN with the sender's computed digest, retrying on
// timeout up to MaxConsecutiveLosts times, until a verdict (ACK or ERROR)
// arrives.
func SenderFinish(conn net.PacketConn, peer net.Addr, finPos uint32, localDigest [16]byte, log *logrus.Entry) error {
	fin, err := frame.New(frame.Fin, finPos, localDigest[:])
	if err != nil {
		return err
	}

	buf := make([]byte, frame.RecvBufferSize)
	for attempt := 0; attempt < MaxConsecutiveLosts; attempt++ {
		raw, _, err := sendRecvWithRetry(conn, peer, func() []byte { return frame.Encode(fin) }, buf)
		if err != nil {
			return err
		}

		verdict, err := frame.Decode(raw)
		if err != nil {
			continue // malformed frame: treated as loss
		}
		if verdict.Kind == frame.Error {
			log.Warn("peer reported invalid file hash")
			return xfererr.InvalidHash
		}
		if verdict.Kind == frame.Ack && verdict.Pos == finPos {
			return nil
		}
		// A late ACK of a data frame is not the verdict: send FIN again.
	}
	return xfererr.ConnectionAborted
}

// ReceiverFinish compares the just-written file's digest against the FIN's
// digest, sends the verdict, then lingers, re-sending the verdict on every
// incoming datagram, until LingerTimeout of silence elapses.
func ReceiverFinish(conn net.PacketConn, peer net.Addr, finPos uint32, remoteDigest [16]byte, localDigest [16]byte, log *logrus.Entry) error {
	var verdict frame.Frame
	if localDigest != remoteDigest {
		verdict, _ = frame.New(frame.Error, finPos, []byte{frame.InvalidFileHashing})
	} else {
		verdict, _ = frame.New(frame.Ack, finPos, nil)
	}

	encoded := frame.Encode(verdict)
	buf := make([]byte, frame.RecvBufferSize)
	for {
		if _, err := conn.WriteTo(encoded, peer); err != nil {
			return errors.Wrap(err, "session: write verdict")
		}
		if err := conn.SetReadDeadline(time.Now().Add(LingerTimeout)); err != nil {
			return errors.Wrap(err, "session: set linger deadline")
		}
		_, _, err := conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				break
			}
			return errors.Wrap(err, "session: linger read")
		}
		// Any datagram during the linger window is treated as "peer still
		// there, possibly missed our verdict" and prompts a resend.
	}

	log.Info("termination linger window elapsed")
	if localDigest != remoteDigest {
		return xfererr.InvalidHash
	}
	return nil
}

// sendBestEffortError sends a plain ERROR(pos=0) frame without waiting for
// any reply, for cancellation and rejection paths that close the
// connection unilaterally.
func sendBestEffortError(conn net.PacketConn, peer net.Addr) {
	if peer == nil {
		return
	}
	e, err := frame.New(frame.Error, 0, nil)
	if err != nil {
		return
	}
	_, _ = conn.WriteTo(frame.Encode(e), peer)
}

// SendBestEffortError is the exported form of sendBestEffortError, for
// drivers outside this package.
func SendBestEffortError(conn net.PacketConn, peer net.Addr) {
	sendBestEffortError(conn, peer)
}

// encodeMinimalBytes encodes v as the fewest big-endian bytes that can hold
// it, the wire format the handshake uses for the announced file size, with
// 0 encoded as a single zero byte.
func encodeMinimalBytes(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	var tmp [8]byte
	n := 0
	for i := 7; i >= 0; i-- {
		tmp[i] = byte(v >> (8 * (7 - i)))
	}
	for i, b := range tmp {
		if b != 0 {
			n = i
			break
		}
	}
	return append([]byte(nil), tmp[n:]...)
}

func decodeMinimalBytes(b []byte) uint64 {
	var v uint64
	for _, by := range b {
		v = v<<8 | uint64(by)
	}
	return v
}
