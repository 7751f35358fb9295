// Package selrepeat implements the Selective-Repeat ARQ engine: a
// fixed-size sliding window, per-frame retransmit timers, an out-of-order
// reorder buffer on the receiver, cumulative delivery.
//
// Retransmit timers fire onto a channel serviced by the same goroutine
// that owns window/ack/the reorder heap, instead of a separate thread
// mutating that state under a lock.
package selrepeat

import (
	"container/heap"
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

// Engine implements arq.Engine for the Selective-Repeat policy.
type Engine struct{}

// New returns a Selective-Repeat engine.
func New() *Engine { return &Engine{} }

// Name implements arq.Engine.
func (*Engine) Name() string { return "selective-repeat" }

// RunSender implements arq.Engine.
func (*Engine) RunSender(conn net.PacketConn, peer net.Addr, startPos uint32, fs afero.Fs, path string, log *logrus.Entry) error {
	f, err := fs.Open(path)
	if err != nil {
		return errors.Wrap(err, "selrepeat: open source file")
	}
	defer f.Close()

	recvCh := make(chan recvResult, 2)
	go readerLoop(conn, recvCh)

	window := make([]frame.Frame, 0, session.WindowSize)
	ack := make(map[uint32]bool)
	timers := make(map[uint32]*time.Timer)
	fireCount := make(map[uint32]int)
	timeoutCh := make(chan uint32, session.WindowSize)

	pos := startPos
	lastPeer := peer
	eof := false
	readBuf := make([]byte, frame.PayloadSize)

	stopTimers := func() {
		for _, t := range timers {
			t.Stop()
		}
	}

	for {
		if !eof && len(window) < session.WindowSize {
			n, rerr := f.Read(readBuf)
			if rerr != nil && rerr != io.EOF {
				stopTimers()
				return errors.Wrap(rerr, "selrepeat: read source file")
			}
			if rerr == io.EOF {
				eof = true
			}
			if n > 0 {
				pos++
				payload := append([]byte(nil), readBuf[:n]...)
				d, ferr := frame.New(frame.OK, pos, payload)
				if ferr != nil {
					stopTimers()
					return ferr
				}
				if _, err := conn.WriteTo(frame.Encode(d), lastPeer); err != nil {
					stopTimers()
					return errors.Wrap(err, "selrepeat: write data frame")
				}
				window = append(window, d)
				timers[d.Pos] = scheduleRetransmit(timeoutCh, d.Pos)
			}
			if eof && len(window) == 0 {
				break
			}
			continue
		}

		if eof && len(window) == 0 {
			break
		}

		select {
		case res := <-recvCh:
			if res.err != nil {
				stopTimers()
				if isTimeout(res.err) {
					return xfererr.ConnectionAborted
				}
				return errors.Wrap(res.err, "selrepeat: read")
			}
			lastPeer = res.from

			if res.frame.Kind == frame.Error {
				stopTimers()
				log.Warn("peer closed the connection")
				return xfererr.ConnectionAborted
			}

			ack[res.frame.Pos] = true
			if t, ok := timers[res.frame.Pos]; ok {
				t.Stop()
				delete(timers, res.frame.Pos)
			}
			for len(window) > 0 && ack[window[0].Pos] {
				window = window[1:]
			}

		case p := <-timeoutCh:
			if ack[p] {
				continue
			}
			fireCount[p]++
			if fireCount[p] >= session.MaxConsecutiveLosts {
				stopTimers()
				return xfererr.ConnectionAborted
			}
			for _, fr := range window {
				if fr.Pos == p {
					if _, err := conn.WriteTo(frame.Encode(fr), lastPeer); err != nil {
						stopTimers()
						return errors.Wrap(err, "selrepeat: retransmit data frame")
					}
					break
				}
			}
			timers[p] = scheduleRetransmit(timeoutCh, p)
		}
	}

	fileDigest, err := digest.Sum(fs, path)
	if err != nil {
		return errors.Wrap(err, "selrepeat: digest source file")
	}

	// Hand the socket back to a single blocking reader for the
	// sequential FIN/verdict exchange: force the background reader to
	// exit so it stops competing with session.SenderFinish's own reads.
	_ = conn.SetReadDeadline(time.Now())

	return session.SenderFinish(conn, lastPeer, pos+1, fileDigest, log)
}

func scheduleRetransmit(timeoutCh chan<- uint32, pos uint32) *time.Timer {
	return time.AfterFunc(session.SocketTimeout, func() {
		select {
		case timeoutCh <- pos:
		default:
		}
	})
}

// RunReceiver implements arq.Engine.
func (*Engine) RunReceiver(conn net.PacketConn, peer net.Addr, startPos uint32, fs afero.Fs, path string, first *frame.Frame, log *logrus.Entry) error {
	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrap(err, "selrepeat: create destination file")
	}

	windowSeq := startPos
	var buffer reorderHeap
	heap.Init(&buffer)

	lastPeer := peer
	var finPos uint32
	var remoteDigest [16]byte
	var fin bool
	var abort error
	var deleteOnAbort bool

	writeAndAdvance := func(m frame.Frame) error {
		if _, err := f.Write(m.Payload); err != nil {
			return err
		}
		windowSeq++
		return nil
	}

	// step applies the receiver's frame-handling rules to one decoded
	// frame, regardless of whether it arrived via the handshake (first) or
	// a subsequent socket read.
	step := func(m frame.Frame, from net.Addr) {
		lastPeer = from

		if m.Kind == frame.Fin {
			finPos = m.Pos
			copy(remoteDigest[:], m.Payload)
			fin = true
			return
		}
		if m.Kind == frame.Error {
			abort = xfererr.ConnectionAborted
			deleteOnAbort = true
			return
		}

		ack, aerr := frame.New(frame.Ack, m.Pos, nil)
		if aerr != nil {
			abort = aerr
			return
		}
		if _, werr := conn.WriteTo(frame.Encode(ack), lastPeer); werr != nil {
			abort = errors.Wrap(werr, "selrepeat: write ack")
			return
		}

		switch {
		case m.Pos <= windowSeq:
			// Duplicate already delivered: drop.
		case m.Pos > windowSeq+1:
			if !buffer.contains(m.Pos) {
				heap.Push(&buffer, m)
			}
		default: // m.Pos == windowSeq+1
			if werr := writeAndAdvance(m); werr != nil {
				abort = errors.Wrap(werr, "selrepeat: write payload")
				return
			}
			for buffer.Len() > 0 && buffer[0].Pos <= windowSeq+1 {
				next := heap.Pop(&buffer).(frame.Frame)
				if next.Pos != windowSeq+1 {
					// A re-sent duplicate that raced into the buffer; drop.
					continue
				}
				if werr := writeAndAdvance(next); werr != nil {
					abort = errors.Wrap(werr, "selrepeat: write buffered payload")
					return
				}
			}
		}
	}

	if first != nil {
		step(*first, peer)
	}

	recvCh := make(chan recvResult, 2)
	go readerLoop(conn, recvCh)

	for abort == nil && !fin {
		res := <-recvCh
		if res.err != nil {
			abort = xfererr.ConnectionAborted
			if !isTimeout(res.err) {
				abort = errors.Wrap(res.err, "selrepeat: read")
			}
			break
		}
		step(res.frame, res.from)
	}

	if abort != nil {
		f.Close()
		if deleteOnAbort {
			_ = fs.Remove(path)
		}
		return abort
	}

	if err := f.Close(); err != nil {
		return errors.Wrap(err, "selrepeat: close destination file")
	}

	_ = conn.SetReadDeadline(time.Now())

	localDigest, err := digest.Sum(fs, path)
	if err != nil {
		return errors.Wrap(err, "selrepeat: digest destination file")
	}

	if err := session.ReceiverFinish(conn, lastPeer, finPos, remoteDigest, localDigest, log); err != nil {
		if errors.Is(err, xfererr.InvalidHash) {
			_ = fs.Remove(path)
		}
		return err
	}
	return nil
}
