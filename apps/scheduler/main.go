package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/affiliate/internal/affiliate"
	"github.com/smallbiznis/affiliate/internal/audit"
	"github.com/smallbiznis/affiliate/internal/clock"
	"github.com/smallbiznis/affiliate/internal/config"
	"github.com/smallbiznis/affiliate/internal/observability"
	"github.com/smallbiznis/affiliate/internal/projection"
	"github.com/smallbiznis/affiliate/internal/scheduler"
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

		// Domain services required by scheduler
		audit.Module,
		affiliate.Module,
		projection.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
