package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate/internal/affiliate"
	"github.com/smallbiznis/affiliate/internal/attribution"
	"github.com/smallbiznis/affiliate/internal/audit"
	"github.com/smallbiznis/affiliate/internal/authorization"
	"github.com/smallbiznis/affiliate/internal/checkout"
	"github.com/smallbiznis/affiliate/internal/clock"
	"github.com/smallbiznis/affiliate/internal/config"
	"github.com/smallbiznis/affiliate/internal/dashboard"
	"github.com/smallbiznis/affiliate/internal/observability"
	"github.com/smallbiznis/affiliate/internal/payout"
	"github.com/smallbiznis/affiliate/internal/projection"
	"github.com/smallbiznis/affiliate/internal/ratelimit"
	"github.com/smallbiznis/affiliate/internal/referral"
	"github.com/smallbiznis/affiliate/internal/server"
	"github.com/smallbiznis/affiliate/internal/session"
	"github.com/smallbiznis/affiliate/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		// Core dependencies for API
		ratelimit.Module,
		audit.Module,
		authorization.Module,
		affiliate.Module,
		attribution.Module,
		projection.Module,
		referral.Module,
		payout.Module,
		checkout.Module,
		dashboard.Module,
		session.Module,

		server.Module,
	)
	app.Run()
}

// RegisterSnowflake uses node 1; the scheduler process owns node 2.
func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
