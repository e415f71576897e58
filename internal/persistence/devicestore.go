package persistence

import (
	"context"
	"fmt"
	"os"
	"strings"

	_ "github.com/lib/pq"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/relaykit/wa-relay/internal/config"
)

// NewDeviceContainer opens the channel credential store. Postgres uses lib/pq and
// sqlite uses the pure Go modernc driver.
func NewDeviceContainer(ctx context.Context, cfg config.ChannelConfig, log waLog.Logger, logger *zap.Logger) (*sqlstore.Container, error) {
	dialect := strings.ToLower(cfg.StoreDialect)
	switch dialect {
	case "postgres", "sqlite":
	case "sqlite3":
		dialect = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported device store dialect %q", cfg.StoreDialect)
	}

	if dialect == "sqlite" && cfg.AuthDir != "" {
		if err := os.MkdirAll(cfg.AuthDir, 0o700); err != nil {
			return nil, fmt.Errorf("create auth dir: %w", err)
		}
	}

	container, err := sqlstore.New(ctx, dialect, cfg.StoreDSN, log)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	logger.Info("device store ready", zap.String("dialect", dialect))
	return container, nil
}
