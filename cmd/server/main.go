// Command server runs the file-transfer server: it listens for handshake
// datagrams and spawns a session per peer.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/francotosoni/tp-redes-file-transfer/internal/arq"
	"github.com/francotosoni/tp-redes-file-transfer/internal/arq/selrepeat"
	"github.com/francotosoni/tp-redes-file-transfer/internal/arq/stopwait"
	"github.com/francotosoni/tp-redes-file-transfer/internal/server"
	"github.com/francotosoni/tp-redes-file-transfer/internal/storage"
	"github.com/francotosoni/tp-redes-file-transfer/internal/xfererr"
)

var (
	host       string
	port       int
	storageDir string
	protocol   string
	verbose    bool
)

func init() {
	rootCmd.Flags().StringVar(&host, "host", "0.0.0.0", "address to listen on")
	rootCmd.Flags().IntVar(&port, "port", 9090, "port to listen on")
	rootCmd.Flags().StringVar(&storageDir, "storage-dir", "./storage", "directory files are served from and stored to")
	rootCmd.Flags().StringVar(&protocol, "protocol", "selective-repeat", `ARQ policy: "stop-and-wait" or "selective-repeat"`)
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "server receives and sends files over a reliable UDP protocol",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logrus.New()
		if verbose {
			log.SetLevel(logrus.DebugLevel)
		}

		engine, err := engineFor(protocol)
		if err != nil {
			return err
		}

		store, err := storage.New(storageDir)
		if err != nil {
			return err
		}

		laddr := net.JoinHostPort(host, fmt.Sprint(port))
		srv, err := server.New(laddr, store, engine, logrus.NewEntry(log))
		if err != nil {
			return err
		}

		log.WithFields(logrus.Fields{
			"addr":        srv.Addr().String(),
			"protocol":    engine.Name(),
			"storage_dir": storageDir,
		}).Info("server listening")

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve() }()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case <-sig:
			log.Info("shutting down")
			return srv.Shutdown()
		}
	},
}

func engineFor(protocol string) (arq.Engine, error) {
	switch protocol {
	case "stop-and-wait":
		return stopwait.New(), nil
	case "selective-repeat":
		return selrepeat.New(), nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", protocol)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(xfererr.ExitCode(err))
	}
}
