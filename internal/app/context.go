package app

import (
	"context"
	"database/sql"
	"fmt"

	"coordline/internal/audit"
	"coordline/internal/config"
	"coordline/internal/db"
	"coordline/internal/engine"
	"coordline/internal/migrate"
)

// Options select the workspace and configuration for a process.
type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/coordline.yml.
	ConfigPath string
	// Config, when set, is used as-is instead of reading a file.
	Config        *config.Config
	BusyTimeoutMS int
}

// Context is an opened workspace: a migrated database and an engine wired
// from its configuration.
type Context struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// LoadConfig reads the workspace config, falling back to defaults when no
// file exists.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.Config != nil {
		return opts.Config, opts.Config.Validate()
	}
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

// Open opens the database, applies migrations, builds the engine and seeds
// agent expertise profiles from the config.
func Open(ctx context.Context, opts Options) (*Context, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	red, err := audit.NewRedactor(cfg.Audit.RedactPatterns)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, BusyTimeoutMS: opts.BusyTimeoutMS})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg, red)
	if err := eng.SeedProfiles(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed agent profiles: %w", err)
	}
	return &Context{DB: conn, Config: cfg, Engine: eng}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
