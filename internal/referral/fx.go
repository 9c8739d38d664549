package referral

import (
	"github.com/smallbiznis/affiliate/internal/referral/repository"
	"github.com/smallbiznis/affiliate/internal/referral/service"
	"go.uber.org/fx"
)

var Module = fx.Module("referral.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
