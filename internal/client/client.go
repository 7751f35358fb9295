// Package client implements the client driver: handshake, disk-space
// preflight, bulk transfer via an arq.Engine, and outcome reporting.
package client

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/francotosoni/tp-redes-file-transfer/internal/arq"
	"github.com/francotosoni/tp-redes-file-transfer/internal/session"
	"github.com/francotosoni/tp-redes-file-transfer/internal/storage"
	"github.com/francotosoni/tp-redes-file-transfer/internal/xfererr"
)

// Client drives a single download or upload against a server endpoint using
// one ARQ engine.
type Client struct {
	ServerAddr string
	Engine     arq.Engine
	Quiet      bool
	Log        *logrus.Entry
}

// newBar returns a progress bar tracking total bytes for filename. When
// Quiet is set its output is discarded instead of rendered.
func (c *Client) newBar(filename string, total int64) *progressbar.ProgressBar {
	opts := []progressbar.Option{
		progressbar.OptionSetDescription("transferring " + filename),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(15),
		progressbar.OptionThrottle(100 * time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	}
	if c.Quiet {
		opts = append(opts, progressbar.OptionSetWriter(io.Discard))
	}
	return progressbar.NewOptions64(total, opts...)
}

// Download fetches filename from the server into store, preflighting free
// disk space against the server-announced size. Canceling ctx (SIGINT or
// SIGTERM at the command line) sends a best-effort ERROR to the peer and
// deletes the partially written file.
func (c *Client) Download(ctx context.Context, filename string, store *storage.Store) error {
	server, err := net.ResolveUDPAddr("udp", c.ServerAddr)
	if err != nil {
		return errors.Wrap(err, "client: resolve server address")
	}

	conn, err := net.ListenPacket("udp", "0.0.0.0:0")
	if err != nil {
		return errors.Wrap(err, "client: open socket")
	}
	defer conn.Close()

	pos, peer, fileSize, err := session.DownloadHandshakeClient(conn, server, filename)
	if err != nil {
		c.Log.WithError(err).WithField("filename", filename).Error("download handshake failed")
		return err
	}

	free, err := store.FreeSpace()
	if err != nil {
		return errors.Wrap(err, "client: check free space")
	}
	if free < uint64(fileSize) {
		session.SendBestEffortError(conn, peer)
		c.Log.WithField("filename", filename).Error("insufficient disk space for download")
		return xfererr.InsufficientSpace
	}

	bar := c.newBar(filename, fileSize)
	defer bar.Close()

	path := store.Path(filename)
	resultCh := make(chan error, 1)
	go func() {
		resultCh <- c.Engine.RunReceiver(conn, peer, pos, store.Fs, path, nil, c.Log)
	}()

	select {
	case err := <-resultCh:
		_ = bar.Set64(fileSize)
		if err != nil {
			if errors.Is(err, xfererr.InvalidHash) {
				c.Log.WithField("filename", filename).Error("downloaded file failed integrity check")
			} else {
				c.Log.WithError(err).WithField("filename", filename).Error("download aborted")
			}
			return err
		}
		c.Log.WithField("filename", filename).Warn("file successfully downloaded")
		return nil

	case <-ctx.Done():
		c.Interrupt(conn, peer)
		conn.Close()
		<-resultCh
		_ = store.Fs.Remove(path)
		c.Log.WithField("filename", filename).Warn("download interrupted by user")
		return xfererr.UserInterrupt
	}
}

// Upload sends filename from store to the server. Canceling ctx sends a
// best-effort ERROR to the peer; the local source file is left untouched.
func (c *Client) Upload(ctx context.Context, filename string, store *storage.Store) error {
	if !store.Exists(filename) {
		return xfererr.FileNotFound
	}

	server, err := net.ResolveUDPAddr("udp", c.ServerAddr)
	if err != nil {
		return errors.Wrap(err, "client: resolve server address")
	}

	conn, err := net.ListenPacket("udp", "0.0.0.0:0")
	if err != nil {
		return errors.Wrap(err, "client: open socket")
	}
	defer conn.Close()

	pos, peer, err := session.UploadHandshakeClient(conn, server, filename)
	if err != nil {
		c.Log.WithError(err).WithField("filename", filename).Error("upload handshake failed")
		return err
	}

	fileSize, err := store.Size(filename)
	if err != nil {
		return errors.Wrap(err, "client: stat source file")
	}

	bar := c.newBar(filename, fileSize)
	defer bar.Close()

	path := store.Path(filename)
	resultCh := make(chan error, 1)
	go func() {
		resultCh <- c.Engine.RunSender(conn, peer, pos, store.Fs, path, c.Log)
	}()

	select {
	case err := <-resultCh:
		_ = bar.Set64(fileSize)
		if err != nil {
			if errors.Is(err, xfererr.InvalidHash) {
				c.Log.WithField("filename", filename).Error("upload failed integrity check")
			} else {
				c.Log.WithError(err).WithField("filename", filename).Error("upload aborted")
			}
			return err
		}
		c.Log.WithField("filename", filename).Warn("file successfully uploaded")
		return nil

	case <-ctx.Done():
		c.Interrupt(conn, peer)
		conn.Close()
		<-resultCh
		c.Log.WithField("filename", filename).Warn("upload interrupted by user")
		return xfererr.UserInterrupt
	}
}

// Interrupt sends a best-effort ERROR to peer on user cancellation.
func (c *Client) Interrupt(conn net.PacketConn, peer net.Addr) {
	session.SendBestEffortError(conn, peer)
}
