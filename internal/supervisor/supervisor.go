// Package supervisor owns Fisher's process lifecycle: startup, hot
// reload on SIGUSR1, and graceful shutdown on SIGINT/SIGTERM (spec.md
// §4.7). The event loop is grounded on
// _examples/CZERTAINLY-Seeker/internal/service/supervisor.go's
// single-goroutine select-loop-over-channels pattern; signal wiring
// follows
// _examples/egv-yolo-runner/cmd/yolo-linear-worker/main.go's
// signal.NotifyContext use for SIGINT/SIGTERM.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/spf13/viper"

	"github.com/pietroalbini/fisher/internal/config"
	"github.com/pietroalbini/fisher/internal/httpapi"
	"github.com/pietroalbini/fisher/internal/queue"
	"github.com/pietroalbini/fisher/internal/ratelimit"
	"github.com/pietroalbini/fisher/internal/registry"
	"github.com/pietroalbini/fisher/internal/statusfanout"
	"github.com/pietroalbini/fisher/internal/worker"
)

// Supervisor holds every long-lived component and mediates lifecycle
// transitions between them.
type Supervisor struct {
	v       *viper.Viper
	cfgPath string
	cfg     config.Config
	logger  *slog.Logger

	registry *registry.Handle
	q        *queue.Queue
	limiter  *ratelimit.Limiter
	fanout   *statusfanout.FanOut
	pool     *worker.Pool

	httpSrv *http.Server

	locked       atomic.Bool
	draining     atomic.Bool
	shutdownOnce sync.Once
}

// Locked implements httpapi.DaemonState.
func (s *Supervisor) Locked() bool { return s.locked.Load() }

// Draining implements httpapi.DaemonState.
func (s *Supervisor) Draining() bool { return s.draining.Load() }

// New builds every component from an already-resolved configuration and
// performs the initial registry scan (spec.md §4.7 "Startup"). v is the
// viper instance the caller bound CLI flags onto; reload re-invokes
// config.Load against it to pick up on-disk config-file changes while
// keeping the original CLI overrides in force.
func New(ctx context.Context, v *viper.Viper, cfgPath string, cfg config.Config, logger *slog.Logger) (*Supervisor, error) {
	snap, err := registry.Load(ctx, registry.Options{Root: cfg.ScriptsDir, Recursive: cfg.Recursive}, logger)
	if err != nil {
		return nil, fmt.Errorf("loading script registry: %w", err)
	}

	limiter, err := ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.Window)
	if err != nil {
		return nil, fmt.Errorf("starting rate limiter: %w", err)
	}

	s := &Supervisor{
		v:        v,
		cfgPath:  cfgPath,
		cfg:      cfg,
		logger:   logger,
		registry: registry.NewHandle(snap),
		q:        queue.New(),
		limiter:  limiter,
	}

	fanout, err := statusfanout.New(s.registry, s.q, logger)
	if err != nil {
		limiter.Close()
		return nil, fmt.Errorf("starting status fan-out: %w", err)
	}
	s.fanout = fanout

	s.pool = worker.New(s.q, s.fanout, logger, cfg.Env)
	s.pool.SetSize(ctx, cfg.Jobs)

	s.httpSrv = s.newHTTPServer()

	return s, nil
}

func (s *Supervisor) newHTTPServer() *http.Server {
	return s.newHTTPServerFor(s.cfg)
}

func (s *Supervisor) newHTTPServerFor(cfg config.Config) *http.Server {
	api := httpapi.New(s.registry, s.q, s.limiter, s, s.pool, s.logger, httpapi.Options{
		BehindProxies:  cfg.BehindProxies,
		HealthEndpoint: cfg.HealthEndpoint,
	})
	return &http.Server{Addr: cfg.Bind, Handler: api}
}

// Run starts the HTTP listener and blocks, handling SIGUSR1 reloads until
// ctx is canceled or a SIGINT/SIGTERM is received, at which point it
// drains and returns.
func (s *Supervisor) Run(ctx context.Context) error {
	shutdownCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGUSR1)
	defer signal.Stop(reloadCh)

	httpErr := make(chan error, 1)
	go func() {
		s.logger.Info("http front-end listening", "bind", s.cfg.Bind)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
			return
		}
		httpErr <- nil
	}()

	for {
		select {
		case <-shutdownCtx.Done():
			s.shutdown()
			return nil
		case <-reloadCh:
			s.reload(ctx)
		case err := <-httpErr:
			if err != nil {
				s.logger.Error("http front-end failed", "error", err)
				s.shutdown()
				return err
			}
		}
	}
}

// shutdown implements spec.md §4.7's default policy: complete in-flight
// jobs, discard whatever is still queued, exit once workers are idle. It
// never signals child processes. Idempotent, since both Run's normal exit
// path and a test or caller wanting to force a shutdown may invoke it.
func (s *Supervisor) shutdown() {
	s.shutdownOnce.Do(func() {
		s.draining.Store(true)
		s.logger.Info("shutting down: draining in-flight jobs, discarding queued work")

		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutting down http front-end", "error", err)
		}

		s.pool.Shutdown()
		s.fanout.Close()
		if err := s.limiter.Close(); err != nil {
			s.logger.Error("closing rate limiter", "error", err)
		}
	})
}
