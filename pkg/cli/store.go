package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"pipeflow/internal/app"
	"pipeflow/internal/config"
	"pipeflow/internal/db"
)

// storeFlags are the per-command overrides of the environment configuration.
type storeFlags struct {
	dbPath string
	engine string
}

func (f *storeFlags) bind(fs *pflag.FlagSet, withEngine bool) {
	fs.StringVar(&f.dbPath, "db", "", "SQLite database file (overrides DB_PATH)")
	if withEngine {
		fs.StringVar(&f.engine, "engine", "", "Processing engine: atomic or legacy (overrides PROCESSING_ENGINE)")
	}
}

// loadConfig reads the environment configuration and applies the flags
// that were set explicitly on the command line.
func (f *storeFlags) loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, err
	}
	changed := false
	fs.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "db":
			cfg.DBPath = f.dbPath
			changed = true
		case "engine":
			cfg.Processing.Engine = f.engine
			changed = true
		}
	})
	if changed {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid flags: %w", err)
		}
	}
	return cfg, nil
}

// openApp opens and migrates the database and wires the application. The
// returned func closes both pools.
func openApp(cfg *config.Config, logger *slog.Logger) (*app.App, func(), error) {
	writeDB, readDB, err := db.OpenPair(cfg.DBPath, cfg.SQLiteReadPool)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		_ = readDB.Close()
		_ = writeDB.Close()
	}
	if err := db.RunMigrations(writeDB); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	a, err := app.New(app.Deps{Cfg: cfg, WriteDB: writeDB, ReadDB: readDB, Logger: logger})
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return a, closeDB, nil
}
