package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shelfsync/shelfsync/internal/auth"
	"github.com/shelfsync/shelfsync/internal/connectivity"
	"github.com/shelfsync/shelfsync/internal/localdb"
	"github.com/shelfsync/shelfsync/internal/queue"
	"github.com/shelfsync/shelfsync/internal/remote"
	"github.com/shelfsync/shelfsync/internal/syncer"
)

// app wires the sync components from configuration. One app is built
// per command invocation and closed when the command finishes.
type app struct {
	db      *localdb.DB
	cache   *auth.Cache
	client  *remote.Client
	queue   *queue.Queue
	tracker *connectivity.Tracker
	orch    *syncer.Syncer
	logger  *log.Logger
}

// newApp constructs the component graph. applier may be nil (CLI
// one-shot commands); the daemon passes a file applier.
func newApp(applier syncer.Applier) (*app, error) {
	dataDir := viper.GetString("data_dir")
	baseURL := viper.GetString("remote.base_url")
	if baseURL == "" {
		return nil, fmt.Errorf("remote.base_url is not configured (set it in %s)",
			filepath.Join(dataDir, "config.yaml"))
	}

	logger := buildLogger()

	db, err := localdb.Open(filepath.Join(dataDir, "shelf.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize local store: %w", err)
	}

	broker := auth.NewOAuthBroker(auth.OAuthConfig{
		ClientID:     viper.GetString("oauth.client_id"),
		ClientSecret: viper.GetString("oauth.client_secret"),
		AuthURL:      viper.GetString("oauth.auth_url"),
		TokenURL:     viper.GetString("oauth.token_url"),
		RevokeURL:    viper.GetString("oauth.revoke_url"),
		Scopes:       viper.GetStringSlice("oauth.scopes"),
		Logger:       logger,
	})
	cache := auth.NewCache(broker, logger)

	client := remote.NewClient(remote.Config{
		BaseURL:   baseURL,
		Namespace: viper.GetString("remote.namespace"),
		Logger:    logger,
	}, cache)

	q := queue.New(db, logger)

	tracker := connectivity.NewTracker(
		connectivity.HTTPProbe(baseURL),
		&connectivity.Config{
			ProbeInterval: viper.GetDuration("connectivity.probe_interval"),
			Logger:        logger,
		})

	orch, err := syncer.New(syncer.Deps{
		DB:        db,
		Store:     client,
		Tokens:    cache,
		Queue:     q,
		Online:    tracker,
		Applier:   applier,
		Scheduler: syncer.NewScheduler(),
	}, &syncer.Config{
		DebounceInterval:  viper.GetDuration("sync.debounce"),
		UploadCooldown:    viper.GetDuration("sync.cooldown"),
		SuccessClearDelay: 3 * time.Second,
		Logger:            logger,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create syncer: %w", err)
	}

	return &app{
		db:      db,
		cache:   cache,
		client:  client,
		queue:   q,
		tracker: tracker,
		orch:    orch,
		logger:  logger,
	}, nil
}

// close releases the app's resources.
func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Printf("Warning: failed to close local store: %v", err)
	}
}

// docsDir returns the exported documents directory.
func docsDir() string {
	dir := viper.GetString("docs_dir")
	if dir == "" {
		dir = filepath.Join(viper.GetString("data_dir"), "documents")
	}
	return dir
}

// buildLogger returns the shared logger. When log.file is configured
// the output rotates via lumberjack; otherwise it goes to stderr.
func buildLogger() *log.Logger {
	logFile := viper.GetString("log.file")
	if logFile == "" {
		return log.New(os.Stderr, "[shelf] ", log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    viper.GetInt("log.max_size_mb"),
		MaxBackups: viper.GetInt("log.max_backups"),
	}, "[shelf] ", log.LstdFlags)
}
