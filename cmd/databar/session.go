package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/codeGROOVE-dev/databar/pkg/analytics"
	"github.com/codeGROOVE-dev/databar/pkg/auth"
	"github.com/codeGROOVE-dev/databar/pkg/kvstore"
	"github.com/codeGROOVE-dev/databar/pkg/propertystore"
	"github.com/codeGROOVE-dev/databar/pkg/settings"
)

var errSignedOut = errors.New("not signed in")

// session is the token provider and catalog the tray uses. Its services
// are swapped when credentials change on disk, so `databar auth import`
// takes effect without a restart.
type session struct {
	connect func(ctx context.Context) (*services, error)

	mu  sync.RWMutex
	svc *services
}

func newSession(ctx context.Context, connect func(ctx context.Context) (*services, error)) (*session, error) {
	s := &session{connect: connect}
	if err := s.reconnect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *session) current() *services {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.svc
}

// AuthErr reports why no credentials are available, or nil.
func (s *session) AuthErr() error {
	return s.current().authErr
}

func (s *session) FreshToken(ctx context.Context) (*oauth2.Token, error) {
	return s.current().tokens.FreshToken(ctx)
}

func (s *session) Load(ctx context.Context, refresh bool) ([]analytics.Property, error) {
	svc := s.current()
	if svc.catalog == nil {
		return nil, fmt.Errorf("%w: %w", errSignedOut, svc.authErr)
	}
	return svc.catalog.Load(ctx, refresh)
}

// reconnect rebuilds the services from the credentials currently stored.
func (s *session) reconnect(ctx context.Context) error {
	svc, err := s.connect(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.svc = svc
	s.mu.Unlock()
	return nil
}

// followConfig applies changes other processes make to the config
// directory until ctx ends.
func (app *App) followConfig(ctx context.Context, w *kvstore.Watcher) {
	for {
		key, err := w.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, kvstore.ErrWatcherClosed) {
				app.logger.Warn("[STORE] Config watcher stopped", "error", err)
			}
			return
		}
		app.configChanged(ctx, key)
	}
}

// configChanged reacts to a rewritten key. Writes made by the tray itself
// also arrive here and are no-ops.
func (app *App) configChanged(ctx context.Context, key string) {
	switch key {
	case propertystore.PropertiesKey:
		if _, err := app.store.Reload(); err != nil {
			app.logger.Warn("[STORE] Failed to reload properties", "error", err)
		}
	case settings.IntervalKey:
		d := app.settings.RefreshInterval()
		if d == app.scheduler.Interval() {
			return
		}
		app.logger.Info("[SETTINGS] Refresh interval changed elsewhere", "interval", d)
		app.scheduler.SetInterval(d)
		app.rebuildMenu(ctx)
	case auth.TokenKey:
		if app.session == nil {
			return
		}
		if err := app.session.reconnect(ctx); err != nil {
			app.logger.Warn("[AUTH] Failed to reload credentials", "error", err)
			return
		}
		if err := app.session.AuthErr(); err != nil {
			app.logger.Info("[AUTH] Stored credentials removed", "error", err)
			return
		}
		app.logger.Info("[AUTH] Credentials changed, refreshing")
		app.scheduler.RequestRefresh("credentials")
		go app.loadCatalog(ctx, true)
	}
}
