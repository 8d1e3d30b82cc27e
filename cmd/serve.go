package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentic-research/strata/container"
	"github.com/agentic-research/strata/internal/nfsmount"
)

var (
	nfsAddr     string
	mountPoint  string
	refreshRate time.Duration
	metricsAddr string
)

func init() {
	serveCmd.Flags().StringVar(&nfsAddr, "addr", "127.0.0.1:0", "NFS listen address")
	serveCmd.Flags().StringVar(&mountPoint, "mount", "", "Also mount the export read-only here (needs sudo)")
	serveCmd.Flags().DurationVar(&refreshRate, "refresh", time.Second, "How often the served view follows the writer")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve-nfs",
	Short: "Export the container read-only over NFSv3, following the writer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := cfg.OpenBackend(false, true)
		if err != nil {
			return err
		}
		reg := prometheus.NewRegistry()
		opts := cfg.Options(true)
		opts.Logger = log
		opts.Registerer = reg
		f, err := container.Open(ctx, b, opts)
		if err != nil {
			return err
		}
		defer func() { _ = f.CloseFile(context.Background()) }()

		if metricsAddr != "" {
			srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.WithError(err).Error("metrics server stopped")
				}
			}()
			defer func() { _ = srv.Close() }()
		}

		cfs := nfsmount.NewContainerFS(f, log)
		server, err := nfsmount.NewServer(cfs, nfsAddr, log)
		if err != nil {
			return err
		}
		defer func() { _ = server.Close() }()
		go cfs.RefreshEvery(ctx, refreshRate)

		if mountPoint != "" {
			if err := nfsmount.Mount(server.Port(), mountPoint); err != nil {
				return err
			}
			log.WithField("mountpoint", mountPoint).Info("mounted")
			defer func() {
				if err := nfsmount.Unmount(mountPoint); err != nil {
					log.WithError(err).Warn("unmount failed")
				}
			}()
		}

		log.WithFields(logrus.Fields{"port": server.Port(), "epoch": f.Epoch()}).Info("serving; interrupt to stop")
		select {
		case <-ctx.Done():
			return nil
		case err := <-server.Done():
			return err
		}
	},
}
