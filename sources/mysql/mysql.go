package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/artie-labs/capture/config"
	"github.com/artie-labs/capture/lib/mtr"
	libmysql "github.com/artie-labs/capture/lib/mysql"
	"github.com/artie-labs/capture/lib/storage/persistedmap"
)

// Load opens the source's control connection and the checkpoint store. The
// replication prerequisites are validated before any event is emitted.
func Load(ctx context.Context, cfg config.MySQL, statsD mtr.Client) (*Source, error) {
	db, err := sql.Open("mysql", cfg.ToDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	settings, err := libmysql.RetrieveSettings(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve MySQL settings: %w", err)
	}

	slog.Info("Loading MySQL source",
		slog.String("version", settings.Version),
		slog.Any("sqlMode", settings.SQLMode),
		slog.Bool("gtidEnabled", settings.GTIDEnabled),
	)

	if err = libmysql.ValidateServer(ctx, db); err != nil {
		return nil, fmt.Errorf("server is not usable for capture: %w", err)
	}

	checkpoints, err := persistedmap.New[string](cfg.CheckpointFile)
	if err != nil {
		return nil, err
	}

	if statsD == nil {
		statsD = mtr.Noop()
	}

	return &Source{
		cfg:         cfg,
		db:          db,
		jobID:       uuid.New().String(),
		checkpoints: checkpoints,
		statsD:      statsD,
	}, nil
}
