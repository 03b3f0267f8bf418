package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/mass-aquaponics/assetpipe/cli/bundler"
	cliconfig "github.com/mass-aquaponics/assetpipe/cli/config"
	"github.com/mass-aquaponics/assetpipe/internal/bundleconfig"
	"github.com/mass-aquaponics/assetpipe/internal/devserver"
	"github.com/mass-aquaponics/assetpipe/internal/observability"
)

var (
	serveAddress     string
	serveAllowOrigin string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Rebuild on change and serve the bundles",
	Long: `Watch every application of the plan and serve the results.

Routes:
  /static/dist/<app>/...   built bundles, never cached
  /__stats/<app>           tracking file of an application
  /__reload                WebSocket notified after every rebuild
  /metrics                 build metrics
  /healthz                 health check

Editing the plan file restarts the watchers with the new applications.

Examples:
  assetpipe serve
  assetpipe serve --address 0.0.0.0:8081`,
	PreRunE: loadSettings,
	RunE:    runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "listen address (default is server.address)")
	serveCmd.Flags().StringVar(&serveAllowOrigin, "allow-origin", "*", "origins allowed to fetch bundles")
}

func runServe(cmd *cobra.Command, args []string) error {
	plan, err := loadPlan()
	if err != nil {
		return err
	}
	configs, err := configsFromPlan(plan, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, stopTracing := startTracing(ctx)
	defer stopTracing()

	metrics := observability.NewMetrics()
	srv := devserver.New(configs, devserver.Options{
		Metrics:      metrics,
		AllowOrigins: serveAllowOrigin,
		Tracing:      tracer.IsEnabled(),
		Debug:        settings.Debug,
	})

	watchers := &watchSet{runner: newRunner(metrics), server: srv, metrics: metrics}
	watchers.start(ctx, configs)
	defer watchers.stop()

	watchPlan(GetPlanPath(), func() {
		plan, err := cliconfig.Load(GetPlanPath())
		if err != nil {
			log.Error().Err(err).Msg("Plan file is invalid, keeping the current applications")
			return
		}
		configs, err := configsFromPlan(plan, nil)
		if err != nil {
			log.Error().Err(err).Msg("Plan file is invalid, keeping the current applications")
			return
		}
		log.Info().Strs("apps", plan.Names()).Msg("Plan file changed, restarting watchers")
		watchers.start(ctx, configs)
	})

	address := serveAddress
	if address == "" {
		address = settings.Server.Address
	}
	return srv.Listen(ctx, address)
}

// watchSet runs one watcher per application and can swap the applications
type watchSet struct {
	runner  *bundler.Runner
	server  *devserver.Server
	metrics *observability.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *watchSet) start(parent context.Context, configs []*bundleconfig.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	var g errgroup.Group
	for _, bc := range configs {
		g.Go(func() error {
			return w.runner.Watch(ctx, bc, func(_ *bundler.Result, err error) {
				writeMetrics(w.metrics)
				w.server.NotifyBuild(bc.App, err)
			})
		})
	}
	go func() {
		defer close(done)
		if err := g.Wait(); err != nil {
			log.Error().Err(err).Msg("Watcher stopped")
		}
	}()

	w.server.SetConfigs(configs)
	w.cancel, w.done = cancel, done
}

func (w *watchSet) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

func (w *watchSet) stopLocked() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel, w.done = nil, nil
}

// watchPlan calls onChange whenever the plan file is written
func watchPlan(path string, onChange func()) {
	if _, err := os.Stat(path); err != nil {
		log.Debug().Str("file", path).Msg("No plan file to watch")
		return
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("Failed to read plan file, not watching it")
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		log.Debug().Str("file", e.Name).Str("op", e.Op.String()).Msg("Plan file event")
		onChange()
	})
	v.WatchConfig()
	log.Debug().Str("file", path).Msg("Watching plan file")
}
