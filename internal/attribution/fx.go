package attribution

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/affiliate/internal/attribution/domain"
	"github.com/smallbiznis/affiliate/internal/attribution/repository"
	"github.com/smallbiznis/affiliate/internal/attribution/service"
	"github.com/smallbiznis/affiliate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("attribution.service",
	fx.Provide(ProvideBackend),
	fx.Provide(repository.ProvideClickRepository),
	fx.Provide(service.New),
)

type BackendParams struct {
	fx.In

	Cfg    config.Config
	DB     *gorm.DB
	Log    *zap.Logger
	Client *redis.Client `optional:"true"`
}

// ProvideBackend picks the attribution backend; a redis backend without a
// configured client falls back to the database.
func ProvideBackend(p BackendParams) domain.Backend {
	if p.Cfg.Attribution.Backend == config.AttributionBackendRedis {
		if p.Client != nil {
			return repository.NewRedisBackend(p.Client)
		}
		p.Log.Warn("ATTRIBUTION_BACKEND=redis without REDIS_ADDR; using database backend")
	}
	return repository.NewDatabaseBackend(p.DB)
}
