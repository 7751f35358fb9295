// Package server implements the dispatcher: a listen socket that accepts
// handshake datagrams from new peers and spawns a session worker, bound to
// a fresh ephemeral socket, on a bounded pool.
package server

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/francotosoni/tp-redes-file-transfer/internal/arq"
	"github.com/francotosoni/tp-redes-file-transfer/internal/frame"
	"github.com/francotosoni/tp-redes-file-transfer/internal/registry"
	"github.com/francotosoni/tp-redes-file-transfer/internal/session"
	"github.com/francotosoni/tp-redes-file-transfer/internal/storage"
)

// Server runs the listen socket and dispatches sessions to engine on a
// bounded worker pool.
type Server struct {
	listen net.PacketConn
	reg    *registry.Registry
	store  *storage.Store
	engine arq.Engine
	log    *logrus.Entry
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New binds the listen socket at laddr and returns a Server ready to Serve.
func New(laddr string, store *storage.Store, engine arq.Engine, log *logrus.Entry) (*Server, error) {
	conn, err := net.ListenPacket("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "server: listen on %s", laddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(registry.MaxConnections)

	return &Server{
		listen: conn,
		reg:    registry.New(),
		store:  store,
		engine: engine,
		log:    log,
		group:  group,
		ctx:    gctx,
		cancel: cancel,
	}, nil
}

// Addr returns the listen socket's local address.
func (s *Server) Addr() net.Addr { return s.listen.LocalAddr() }

// Serve runs the dispatcher's main loop until Shutdown is called or the
// listen socket errors out.
func (s *Server) Serve() error {
	buf := make([]byte, frame.RecvBufferSize)
	for {
		n, peer, err := s.listen.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return s.group.Wait()
			default:
			}
			return errors.Wrap(err, "server: read handshake datagram")
		}

		if s.reg.IsOpen(peer) {
			// Stale handshake retry from an already-live session: drop.
			continue
		}

		req, err := frame.Decode(buf[:n])
		if err != nil {
			continue // malformed handshake: treated as loss
		}
		if req.Kind != frame.Download && req.Kind != frame.Upload {
			continue
		}

		entry := s.reg.Open(peer)
		log := s.log.WithFields(logrus.Fields{
			"peer":       peer.String(),
			"conn_seq":   entry.SeqID,
			"session_id": entry.SessionID.String(),
		})

		s.group.Go(func() error {
			defer s.reg.Close(peer)
			if err := s.handle(peer, req, log); err != nil {
				log.WithError(err).Warn("session worker exited with error")
			} else {
				log.Info("session completed")
			}
			return nil // worker errors are logged, never fail the pool
		})
	}
}

// Shutdown closes the listen socket and waits for in-flight sessions to
// complete or time out.
func (s *Server) Shutdown() error {
	s.cancel()
	err := s.listen.Close()
	_ = s.group.Wait()
	return err
}

func (s *Server) handle(peer net.Addr, req frame.Frame, log *logrus.Entry) error {
	conn, err := net.ListenPacket("udp", "0.0.0.0:0")
	if err != nil {
		return errors.Wrap(err, "server: open session socket")
	}
	defer conn.Close()

	filename := string(req.Payload)

	switch req.Kind {
	case frame.Download:
		return s.handleDownload(conn, peer, filename, log)
	case frame.Upload:
		return s.handleUpload(conn, peer, req.Pos, filename, log)
	default:
		return errors.Errorf("server: unexpected handshake kind %d", req.Kind)
	}
}

func (s *Server) handleDownload(conn net.PacketConn, peer net.Addr, filename string, log *logrus.Entry) error {
	if !s.store.Exists(filename) {
		notFound, _ := frame.New(frame.Error, 0, []byte{frame.FileNotFoundError})
		_, _ = conn.WriteTo(frame.Encode(notFound), peer)
		log.WithField("filename", filename).Info("download requested for missing file")
		return nil
	}

	size, err := s.store.Size(filename)
	if err != nil {
		return errors.Wrap(err, "server: stat requested file")
	}

	pos, client, err := session.DownloadHandshakeServer(conn, peer, size, log)
	if err != nil {
		return err
	}

	return s.engine.RunSender(conn, client, pos, s.store.Fs, s.store.Path(filename), log)
}

func (s *Server) handleUpload(conn net.PacketConn, peer net.Addr, reqPos uint32, filename string, log *logrus.Entry) error {
	first, client, err := session.UploadHandshakeServer(conn, peer, reqPos)
	if err != nil {
		return err
	}

	return s.engine.RunReceiver(conn, client, reqPos, s.store.Fs, s.store.Path(filename), &first, log)
}
