package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/telehealth-scheduling/internal/config"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

// Resources are the shared connections a binary opens once at startup.
// Each field is nil when no configured backend needs it.
type Resources struct {
	Pool  *pgxpool.Pool
	SQL   *sql.DB
	Redis *redis.Client
	AWS   *aws.Config

	closers []func()
}

// OpenResources connects whatever cfg selects. On error everything opened so
// far is closed again.
func OpenResources(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*Resources, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	res := &Resources{}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pool, err := OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		res.Pool = pool
		res.closers = append(res.closers, pool.Close)
		logger.Info("postgres pool connected")

		if cfg.AvailabilityBackend == appconfig.BackendPostgres {
			db, err := OpenSQL(ctx, cfg.DatabaseURL)
			if err != nil {
				res.Close()
				return nil, err
			}
			res.SQL = db
			res.closers = append(res.closers, func() { _ = db.Close() })
		}
	}

	if cfg.AvailabilityBackend == appconfig.BackendRedis {
		client := BuildRedisClient(ctx, cfg, logger, true)
		if client == nil {
			res.Close()
			return nil, fmt.Errorf("bootstrap: redis unavailable at %s", cfg.RedisAddr)
		}
		res.Redis = client
		res.closers = append(res.closers, func() { _ = client.Close() })
	}

	if NeedsAWS(cfg) {
		awsCfg, err := LoadAWSConfig(ctx, cfg)
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("bootstrap: load aws config: %w", err)
		}
		res.AWS = &awsCfg
	}
	return res, nil
}

// Close releases connections in reverse order of opening.
func (r *Resources) Close() {
	if r == nil {
		return
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}
