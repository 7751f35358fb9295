// Command client downloads and uploads files against the server over the
// reliable UDP protocol.
package main

import (
	"context"
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
	"github.com/francotosoni/tp-redes-file-transfer/internal/client"
	"github.com/francotosoni/tp-redes-file-transfer/internal/storage"
	"github.com/francotosoni/tp-redes-file-transfer/internal/xfererr"
)

var (
	host     string
	port     int
	protocol string
	quiet    bool
	dst      string
	src      string
	name     string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&host, "host", "127.0.0.1", "server address")
	rootCmd.PersistentFlags().IntVar(&port, "port", 9090, "server port")
	rootCmd.PersistentFlags().StringVar(&protocol, "protocol", "selective-repeat", `ARQ policy: "stop-and-wait" or "selective-repeat"`)
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress bar output")

	downloadCmd.Flags().StringVar(&dst, "dst", ".", "destination directory")
	downloadCmd.Flags().StringVarP(&name, "filename", "n", "", "remote filename to download (required)")
	_ = downloadCmd.MarkFlagRequired("filename")

	uploadCmd.Flags().StringVar(&src, "src", ".", "source directory")
	uploadCmd.Flags().StringVarP(&name, "filename", "n", "", "local filename to upload (required)")
	_ = uploadCmd.MarkFlagRequired("filename")

	rootCmd.AddCommand(downloadCmd, uploadCmd)
}

var rootCmd = &cobra.Command{
	Use:   "client",
	Short: "client downloads and uploads files over a reliable UDP protocol",
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "download a file from the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.New(dst)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		c := newClient()
		return c.Download(ctx, name, store)
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "upload a file to the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.New(src)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		c := newClient()
		return c.Upload(ctx, name, store)
	},
}

func newClient() *client.Client {
	log := logrus.New()
	return &client.Client{
		ServerAddr: net.JoinHostPort(host, fmt.Sprint(port)),
		Engine:     engineFor(protocol),
		Quiet:      quiet,
		Log:        logrus.NewEntry(log),
	}
}

func engineFor(protocol string) arq.Engine {
	if protocol == "stop-and-wait" {
		return stopwait.New()
	}
	return selrepeat.New()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(xfererr.ExitCode(err))
	}
}
