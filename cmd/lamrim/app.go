package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MarcoPoloResearchLab/lamrim/internal/config"
	"github.com/MarcoPoloResearchLab/lamrim/internal/database"
	"github.com/MarcoPoloResearchLab/lamrim/internal/identity"
	"github.com/MarcoPoloResearchLab/lamrim/internal/localstore"
	"github.com/MarcoPoloResearchLab/lamrim/internal/logging"
	"github.com/MarcoPoloResearchLab/lamrim/internal/notes"
	"github.com/MarcoPoloResearchLab/lamrim/internal/remote"
	"github.com/MarcoPoloResearchLab/lamrim/internal/settings"
	"github.com/MarcoPoloResearchLab/lamrim/internal/syncer"
	"github.com/MarcoPoloResearchLab/lamrim/internal/toc"
)

const (
	localUserID = "local"
	dataDirPerm = 0o755
)

// app holds the wired reader for the lifetime of one command.
type app struct {
	cfg      config.ClientConfig
	logger   *zap.Logger
	store    localstore.Store
	files    *localstore.FileStore
	contents *toc.Contents
	settings *settings.Store
	provider *identity.Manual
	session  *syncer.Session
	closers  []func()
}

func openApp() (*app, error) {
	cfg, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, dataDirPerm); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &app{cfg: cfg}
	if cfg.LogFile != "" {
		a.logger = logging.NewFileLogger(cfg.LogLevel, cfg.LogFile)
	} else if a.logger, err = logging.NewLogger(cfg.LogLevel); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = a.logger.Sync() })

	if err := a.openStore(); err != nil {
		a.Close()
		return nil, err
	}
	if a.contents, err = toc.Default(); err != nil {
		a.Close()
		return nil, err
	}
	if a.settings, err = settings.NewStore(a.store); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openSession(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore() error {
	switch a.cfg.StoreBackend {
	case config.StoreBackendFile:
		files, err := localstore.NewFileStore(a.cfg.DataDir)
		if err != nil {
			return err
		}
		a.files = files
		a.store = files
	default:
		db, err := database.OpenClientDatabase(a.cfg.DatabasePath(), a.logger)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = sqlDB.Close() })
		store, err := localstore.NewSQLiteStore(db)
		if err != nil {
			return err
		}
		a.store = store
	}
	return nil
}

func (a *app) openSession() error {
	var client *remote.Client
	current := identity.Anonymous(localUserID)
	if a.cfg.RemoteEnabled() {
		var err error
		client, err = remote.NewClient(remote.Config{
			BaseURL: a.cfg.RemoteURL,
			Token:   a.cfg.AccessToken,
			Logger:  a.logger,
		})
		if err != nil {
			return err
		}
		current, err = a.resolveIdentity(client)
		if err != nil {
			return err
		}
	}
	a.provider = identity.NewManual(current)

	queue := syncer.QueueConfig{
		MaxAttempts: a.cfg.MaxAttempts,
		BaseDelay:   a.cfg.BaseDelay,
		Logger:      a.logger,
	}
	if a.cfg.WritesPerSecond > 0 {
		queue.Limiter = rate.NewLimiter(rate.Limit(a.cfg.WritesPerSecond), 1)
	}

	progressConfig := syncer.ProgressConfig{
		Local:    a.store,
		Contents: a.contents,
		Queue:    queue,
		Logger:   a.logger,
	}
	notesConfig := syncer.NotesConfig{
		Local:      a.store,
		Contents:   a.contents,
		IDProvider: notes.NewUUIDProvider(),
		Queue:      queue,
		Logger:     a.logger,
	}
	if client != nil {
		progressConfig.Remote = client
		notesConfig.Remote = client
	}

	progressSync, err := syncer.NewProgressSync(progressConfig)
	if err != nil {
		return err
	}
	notesSync, err := syncer.NewNotesSync(notesConfig)
	if err != nil {
		progressSync.Close()
		return err
	}
	session, err := syncer.NewSession(syncer.SessionConfig{
		Identity: a.provider,
		Progress: progressSync,
		Notes:    notesSync,
		Logger:   a.logger,
	})
	if err != nil {
		progressSync.Close()
		notesSync.Close()
		return err
	}
	a.session = session
	a.closers = append(a.closers, session.Close)
	return nil
}

func (a *app) resolveIdentity(client *remote.Client) (identity.Identity, error) {
	raw := a.cfg.UserID
	if raw == "" {
		raw = client.Subject().String()
	}
	userID, err := identity.NewUserID(raw)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("user id required: pass --user or use a token with a subject: %w", err)
	}
	if a.cfg.Anonymous {
		return identity.Anonymous(userID), nil
	}
	return identity.Authenticated(userID), nil
}

// start applies the configured identity. A failed migration is reported
// and the command continues against local state.
func (a *app) start(ctx context.Context) {
	if err := a.session.Start(ctx); err != nil {
		a.logger.Warn("sync unavailable, working locally", zap.Error(err))
		fmt.Fprintf(os.Stderr, "warning: sync unavailable, working locally: %v\n", err)
	}
}

// finish waits for queued remote writes when syncing.
func (a *app) finish(ctx context.Context) error {
	if err := a.session.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pending remote writes not confirmed: %w", err)
	}
	return nil
}

func (a *app) progress() *syncer.ProgressSync {
	return a.session.Progress()
}

func (a *app) notes() *syncer.NotesSync {
	return a.session.Notes()
}

func (a *app) Close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		a.closers[index]()
	}
	a.closers = nil
}
