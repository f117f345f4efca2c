package supervisor

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pietroalbini/fisher/internal/config"
	"github.com/pietroalbini/fisher/internal/registry"
)

const httpShutdownTimeout = 10 * time.Second

// reload implements spec.md §4.7's SIGUSR1 protocol: lock, re-read
// config, rescan the script registry, recreate the HTTP listener only if
// the bind address changed, resize the worker pool, then atomically swap
// in the new registry snapshot and unlock. Any failure in steps 2-5 is
// logged and the running daemon is left exactly as it was — a bad reload
// never tears down a healthy one.
func (s *Supervisor) reload(ctx context.Context) {
	s.locked.Store(true)
	defer s.locked.Store(false)

	s.logger.Info("reload requested")

	newCfg, err := config.Load(s.v, s.cfgPath)
	if err != nil {
		s.logger.Error("reload: re-reading configuration, keeping previous config", "error", err)
		return
	}

	snap, err := registry.Load(ctx, registry.Options{Root: newCfg.ScriptsDir, Recursive: newCfg.Recursive}, s.logger)
	if err != nil {
		s.logger.Error("reload: rescanning script registry, keeping previous registry", "error", err)
		return
	}

	bindChanged := newCfg.Bind != s.cfg.Bind
	var newLn net.Listener
	if bindChanged {
		newLn, err = net.Listen("tcp", newCfg.Bind)
		if err != nil {
			s.logger.Error("reload: binding new http address, keeping previous listener", "bind", newCfg.Bind, "error", err)
			return
		}
	}

	s.cfg = newCfg
	s.pool.SetSize(ctx, newCfg.Jobs)
	s.registry.Store(snap)

	if bindChanged {
		s.swapHTTPServer(newCfg, newLn)
	}

	s.logger.Info("reload complete", "scripts", newCfg.ScriptsDir, "bind", newCfg.Bind, "jobs", newCfg.Jobs)
}

// swapHTTPServer takes over ln, which is already bound to the reloaded
// address (reload confirmed that with net.Listen before committing any
// state), shuts down the previous server, then starts serving on ln. The
// bind check happening first is what makes "a bad reload never tears down
// a healthy one" true: nothing here can fail, since the one thing that
// could — binding the new address — already succeeded before this runs.
func (s *Supervisor) swapHTTPServer(newCfg config.Config, ln net.Listener) {
	old := s.httpSrv
	newSrv := s.newHTTPServerFor(newCfg)
	s.httpSrv = newSrv

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := old.Shutdown(ctx); err != nil {
			s.logger.Error("closing previous http listener during reload", "error", err)
		}

		s.logger.Info("http front-end listening on reloaded address", "bind", newCfg.Bind)
		if err := newSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("reloaded http front-end failed", "error", err)
		}
	}()
}
