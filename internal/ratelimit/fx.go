package ratelimit

import (
	"context"

	"github.com/smallbiznis/creditline/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(provideChargeLimiter),
)

func provideChargeLimiter(lc fx.Lifecycle, cfg config.Config) (*ChargeLimiter, error) {
	limiter, err := NewChargeLimiter(cfg)
	if err != nil || limiter == nil {
		return limiter, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return limiter.Close()
		},
	})
	return limiter, nil
}
