// Package app wires the service together: workspace, database, migrations,
// extractor, dispatcher and engine.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"hireline/internal/config"
	"hireline/internal/db"
	"hireline/internal/dispatch"
	"hireline/internal/engine"
	"hireline/internal/extract"
	"hireline/internal/extract/gemini"
	"hireline/internal/extract/rules"
	"hireline/internal/migrate"
)

// App is the assembled service context.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Logger *zap.Logger
}

// Open loads the workspace config, opens and migrates the database and
// builds the engine with the configured extractor and dispatcher.
func Open(ctx context.Context, workspace string, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	extractor, err := buildExtractor(ctx, cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sender := buildSender(cfg, logger)

	return &App{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg, extractor, sender, logger),
		Logger: logger,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

func buildExtractor(ctx context.Context, cfg *config.Config, logger *zap.Logger) (extract.Extractor, error) {
	switch cfg.Extractor.Provider {
	case "", "rules":
		return rules.New(), nil
	case "gemini":
		apiKey := cfg.Extractor.Gemini.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		generator, err := gemini.NewGenerator(ctx, apiKey, cfg.Extractor.Gemini.Model)
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return gemini.NewExtractor(generator, logger), nil
	default:
		return nil, fmt.Errorf("unknown extractor provider %q", cfg.Extractor.Provider)
	}
}

func buildSender(cfg *config.Config, logger *zap.Logger) dispatch.Sender {
	if cfg.Dispatcher.Mode == "http" {
		return dispatch.NewHTTPSender(
			cfg.Dispatcher.CallbackURL,
			cfg.Dispatcher.Secret,
			time.Duration(cfg.Dispatcher.TimeoutSeconds)*time.Second,
		)
	}
	return dispatch.LogSender{Logger: logger}
}
