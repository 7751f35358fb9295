// Package arq declares the interface the two ARQ policies (stop-and-wait,
// selective-repeat) implement, so the session state machine and the
// server/client drivers can dispatch across them without caring which one
// is in use.
package arq

import (
	"net"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/francotosoni/tp-redes-file-transfer/internal/frame"
)

// Engine runs the bulk-transfer phase of a session for one ARQ policy.
// Both methods cover the engine-specific loop only. The handshake is run
// by the server and client drivers (package session) before either method
// is called; termination (FIN/verdict/linger) is handled by package session
// and invoked from within these methods once the data has been exchanged.
type Engine interface {
	Name() string

	// RunSender reads path from the beginning, transmitting data frames
	// with pos starting at startPos+1, then drives termination as the
	// sending side, embedding digest(path) in the FIN frame.
	RunSender(conn net.PacketConn, peer net.Addr, startPos uint32, fs afero.Fs, path string, log *logrus.Entry) error

	// RunReceiver writes incoming data frames to path (truncating any
	// existing content) until FIN arrives, then drives termination as the
	// receiving side: hash the written file, compare to the FIN's digest,
	// reply with the verdict. first, when non-nil, is a frame already read
	// off the wire by the caller (the upload handshake consumes the
	// client's first post-handshake frame as its completion signal) and
	// must be processed before any further socket reads.
	RunReceiver(conn net.PacketConn, peer net.Addr, startPos uint32, fs afero.Fs, path string, first *frame.Frame, log *logrus.Entry) error
}
