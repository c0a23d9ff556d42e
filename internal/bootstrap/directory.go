package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/tpp-broker/internal/config"
	"github.com/smallbiznis/tpp-broker/internal/domain"
)

// DirectoryStore ingests directory records.
type DirectoryStore interface {
	StoreAuthorisationServers(ctx context.Context, records []domain.DirectoryRecord) error
}

// ImportDirectory loads a JSON array of directory records from path.
func ImportDirectory(ctx context.Context, store DirectoryStore, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read directory file: %w", err)
	}
	var records []domain.DirectoryRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return 0, fmt.Errorf("decode directory file: %w", err)
	}
	if err := store.StoreAuthorisationServers(ctx, records); err != nil {
		return 0, fmt.Errorf("store authorisation servers: %w", err)
	}
	return len(records), nil
}

// SeedDirectory imports cfg.DirectoryFile on start when one is configured.
func SeedDirectory(lc fx.Lifecycle, cfg config.Config, store DirectoryStore, logger *zap.Logger) {
	if cfg.DirectoryFile == "" {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			n, err := ImportDirectory(ctx, store, cfg.DirectoryFile)
			if err != nil {
				return err
			}
			logger.Info("directory seeded", zap.String("file", cfg.DirectoryFile), zap.Int("servers", n))
			return nil
		},
	})
}
