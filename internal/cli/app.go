package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/coursefactory/internal/adapter"
	"github.com/lucasnoah/coursefactory/internal/config"
	"github.com/lucasnoah/coursefactory/internal/db"
	"github.com/lucasnoah/coursefactory/internal/events"
	"github.com/lucasnoah/coursefactory/internal/job"
	"github.com/lucasnoah/coursefactory/internal/logging"
	"github.com/lucasnoah/coursefactory/internal/metrics"
	"github.com/lucasnoah/coursefactory/internal/orchestrator"
	"github.com/lucasnoah/coursefactory/internal/retrieval"
	"github.com/lucasnoah/coursefactory/internal/stage"
)

// resolveConfigPath validates the --config flag and returns it as an
// absolute path. An empty flag means "search the default locations".
func resolveConfigPath(flag string) (string, error) {
	if flag == "" {
		return "", nil
	}
	abs, err := filepath.Abs(flag)
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("config file %s not found", abs)
	}
	return abs, nil
}

// loadConfig reads the configuration and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	var cfg *config.Config
	if path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if dataDirFlag != "" {
		cfg.Factory.DataDir = dataDirFlag
	}
	if logLevel != "" {
		cfg.Factory.LogLevel = logLevel
	}
	if testMode {
		cfg.Factory.TestMode = true
	}
	return cfg, nil
}

// app is the fully wired factory for one CLI invocation.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	db         *db.DB
	store      *job.FileStore
	recorder   *metrics.PrometheusRecorder
	publisher  events.Publisher
	index      retrieval.Index
	retrieval  *retrieval.Service
	registries *adapter.Registries
	executor   *stage.Executor
	orch       *orchestrator.Orchestrator
}

// openApp loads the configuration and wires every component. Callers must
// Close the result.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.ValidateWith(cfg, stage.DefaultRegistry()); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s (run `factory config validate`)", errs[0])
	}

	a := &app{cfg: cfg, logger: logging.NewLogger(cfg.Factory.LogLevel, cmd.ErrOrStderr())}
	if err := a.open(cmd.Context()); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := a.cfg
	dataDir := cfg.Factory.DataDir

	dbPath, err := db.DefaultDBPath(dataDir)
	if err != nil {
		return err
	}
	if a.db, err = db.Open(dbPath); err != nil {
		return err
	}
	if err := a.db.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if a.store, err = job.OpenFileStore(dataDir); err != nil {
		return fmt.Errorf("open job store: %w", err)
	}

	var rec metrics.Recorder = metrics.NoopRecorder{}
	if cfg.Metrics.Enabled {
		a.recorder = metrics.NewPrometheusRecorder(nil)
		rec = a.recorder
	}

	if a.publisher, err = events.Open(ctx, cfg.Events, a.logger); err != nil {
		return fmt.Errorf("open event publisher: %w", err)
	}

	if a.index, err = openIndex(ctx, cfg, dataDir); err != nil {
		return err
	}

	if a.registries, err = adapter.BuildRegistries(cfg, rec, a.logger); err != nil {
		return fmt.Errorf("build adapters: %w", err)
	}

	templateDir := filepath.Join(dataDir, "templates")
	ropts := retrieval.OptsFromConfig(cfg)
	ropts.Index = a.index
	ropts.Caller = a.registries.For(cfg.Factory.TestMode)
	ropts.TemplateDir = templateDir
	ropts.Recorder = rec
	ropts.Logger = a.logger
	a.retrieval = retrieval.NewService(ropts)

	a.executor = stage.NewExecutor(stage.ExecutorOpts{
		Adapters: a.registries,
		Blobs:    a.store,
		Indexer: func(c adapter.Caller) stage.Indexer {
			return a.retrieval.WithCaller(c)
		},
		Recorder:    rec,
		Logger:      a.logger,
		TemplateDir: templateDir,
	})

	a.orch = orchestrator.NewOrchestrator(orchestrator.Opts{
		Config:    cfg,
		Store:     a.store,
		Executor:  a.executor,
		Events:    a.db,
		Queue:     a.db,
		Publisher: a.publisher,
		Recorder:  rec,
		Logger:    a.logger,
	})
	return nil
}

func openIndex(ctx context.Context, cfg *config.Config, dataDir string) (retrieval.Index, error) {
	switch cfg.Retrieval.Index {
	case "postgres":
		dsn := os.Getenv(cfg.Retrieval.PostgresDSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("retrieval.index is postgres but $%s is empty", cfg.Retrieval.PostgresDSNEnv)
		}
		idx, err := retrieval.OpenPgIndex(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres index: %w", err)
		}
		return idx, nil
	default:
		idx, err := retrieval.OpenMemoryIndex(filepath.Join(dataDir, "index"))
		if err != nil {
			return nil, fmt.Errorf("open index: %w", err)
		}
		return idx, nil
	}
}

// metricsHandler is nil when metrics are disabled.
func (a *app) metricsHandler() http.Handler {
	if a.recorder == nil {
		return nil
	}
	return a.recorder.Handler()
}

// Close releases everything openApp acquired.
func (a *app) Close() {
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.logger.Warn("close index", logging.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("close publisher", logging.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

// openDB opens and migrates the SQLite database alone, for commands that
// only touch the queue or the event log.
func openDB() (*db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	dbPath, err := db.DefaultDBPath(cfg.Factory.DataDir)
	if err != nil {
		return nil, err
	}
	d, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func formatFlag(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("format")
	return f
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
