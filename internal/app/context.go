// Package app wires the storage, config, gateway and engine together for
// the CLI and the server.
package app

import (
	"database/sql"
	"fmt"

	"bountyboard/internal/config"
	"bountyboard/internal/db"
	"bountyboard/internal/engine"
	"bountyboard/internal/gateway"
	"bountyboard/internal/migrate"
)

// App is an opened, migrated bounty board instance.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open loads the workspace config, opens the database, runs migrations and
// builds the engine. The caller owns Close.
func Open(workspace string) (*App, error) {
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
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	gw := gateway.NewClient(cfg.Payments.APIBase, cfg.Payments.SecretKey)
	return &App{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg, gw),
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
