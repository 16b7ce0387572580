package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"stakeline/internal/config"
	"stakeline/internal/db"
	"stakeline/internal/engine"
	"stakeline/internal/migrate"
)

// DefaultTreasury is the fee sink used when no config file names one.
const DefaultTreasury = "treasury"

// ResolveConfig picks the seed config for a workspace: stakeline.yml when
// present, otherwise the defaults.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	if cfg == nil {
		cfg = config.Default(DefaultTreasury)
	}
	return cfg, nil
}

// Open opens the workspace database, applies migrations and makes sure a
// protocol config version exists.
func Open(ctx context.Context, workspace string, log zerolog.Logger) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	seed, err := ResolveConfig(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	eng := engine.New(conn, log)
	version, err := eng.EnsureConfig(ctx, seed, "system")
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	log.Debug().Str("workspace", workspace).Int64("config_version", version).Msg("workspace opened")
	return eng, conn, nil
}
