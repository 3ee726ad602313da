package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/netconsole/netconsole/pkg/export"
	"github.com/netconsole/netconsole/pkg/metrics"
	"github.com/netconsole/netconsole/pkg/server"
	"github.com/netconsole/netconsole/pkg/util"
)

var (
	serveListen string
	serveExport bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP console",
	Long: `Serve the console API, the websocket change stream and Prometheus
metrics. With --export every settled state is also mirrored to Redis
(NM_INTERFACE, NM_DEVICE and NM_CONNECTION tables). On an SSH bus the
Redis address is resolved on the remote host.

Examples:
  netconsole serve
  netconsole serve --listen 0.0.0.0:9180 --export
  netconsole --host gw1 serve --export`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		collector := metrics.NewCollector()
		reg := prometheus.NewRegistry()
		reg.MustRegister(collector)

		hub := server.NewHub()
		s, err := openSession(ctx, sessionOptions{Presenter: hub, Metrics: collector})
		if err != nil {
			return err
		}
		defer s.Close()

		changes, cancel := s.model.Changes()
		defer cancel()
		go hub.Run(ctx, changes)

		if serveExport || userSettings.RedisAddr != "" {
			if err := startExport(ctx, s, collector); err != nil {
				util.Warnf("Redis export disabled: %v", err)
			}
		}

		listen := userSettings.GetListen()
		if serveListen != "" {
			listen = serveListen
		}
		srv := server.New(s.svc, hub, server.Options{
			Gatherer: reg,
			User:     permChecker.CurrentUser(),
		})
		util.WithField("listen", listen).Info("serving console")
		return srv.Run(ctx, listen)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "HTTP listen address (default from settings)")
	serveCmd.Flags().BoolVar(&serveExport, "export", false, "Mirror state to Redis")
}

// startExport connects to Redis and feeds it every settled snapshot
// until ctx is done.
func startExport(ctx context.Context, s *session, collector *metrics.Collector) error {
	addr := userSettings.GetRedisAddr()
	if s.ssh != nil {
		local, err := s.ssh.Forward(addr)
		if err != nil {
			return err
		}
		addr = local
	}
	store := export.NewRedisStore(addr, userSettings.RedisDB)
	if err := store.Connect(ctx); err != nil {
		store.Close()
		return err
	}

	exporter := export.New(store, export.Options{Exported: collector.Exported})
	changes, cancel := s.model.Changes()
	go func() {
		defer store.Close()
		defer cancel()
		exporter.Run(ctx, changes)
	}()
	if snap := s.model.Snapshot(); snap != nil {
		exporter.Submit(snap)
	}
	return nil
}
