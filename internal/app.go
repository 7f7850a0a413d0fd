package internal

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dgellow/oauth-loopback/internal/bridge"
	"github.com/dgellow/oauth-loopback/internal/commands"
	"github.com/dgellow/oauth-loopback/internal/config"
	"github.com/dgellow/oauth-loopback/internal/events"
	"github.com/dgellow/oauth-loopback/internal/flow"
	"github.com/dgellow/oauth-loopback/internal/launcher"
	"github.com/dgellow/oauth-loopback/internal/log"
)

// App is the complete OAuth loopback application
type App struct {
	config   config.Config
	bridge   *bridge.Bridge
	registry *flow.Registry
	service  *commands.Service
}

// NewApp builds the application from configuration. Callback listeners
// started by the app stop when ctx is cancelled.
func NewApp(ctx context.Context, cfg config.Config, version string) *App {
	log.LogInfoWithFields("app", "Building OAuth loopback application", map[string]any{
		"name":            cfg.Name,
		"providers":       len(cfg.Providers),
		"browserOpen":     cfg.Browser.Open,
		"callbackTimeout": cfg.Callback.Timeout.String(),
	})

	b := bridge.New(cfg.Name, version)

	sink := events.Multi{events.LogSink{}, b.Sink()}
	if cfg.Browser.Open {
		sink = append(sink, launcher.New(cfg.Providers, launcher.WithDefaultPort(cfg.Callback.DefaultPort)))
	}

	registry := flow.NewRegistry(sink)
	service := commands.NewService(ctx, registry, sink,
		commands.WithCallbackTimeout(cfg.Callback.Timeout),
		commands.WithDefaultPort(cfg.Callback.DefaultPort),
	)
	b.Register(service)

	return &App{
		config:   cfg,
		bridge:   b,
		registry: registry,
		service:  service,
	}
}

// Service returns the command service.
func (a *App) Service() *commands.Service {
	return a.service
}

// Run serves commands on stdin/stdout until stdin closes or the process is
// signalled.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return a.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve runs the MCP transport over in/out. When it ends, for any reason,
// every pending callback listener is closed before Serve returns.
func (a *App) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		err := a.bridge.Serve(gctx, in, out)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.LogErrorWithFields("app", "Transport stopped with error", map[string]any{
				"error": err.Error(),
			})
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.LogInfoWithFields("app", "Shutting down", map[string]any{
			"pendingListeners": a.service.PendingListeners(),
		})
		a.service.Close()
		return nil
	})

	err := g.Wait()
	log.LogInfoWithFields("app", "Application shutdown complete", map[string]any{
		"activeFlows": a.registry.Len(),
	})
	return err
}
