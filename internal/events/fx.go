package events

import (
	"context"

	"github.com/smallbiznis/creditline/internal/clock"
	"github.com/smallbiznis/creditline/internal/config"
	"github.com/smallbiznis/creditline/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Invoke(registerRelay),
)

type relayParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Metrics   *metrics.RelayMetrics `optional:"true"`
}

func registerRelay(p relayParams) error {
	log := p.Log.Named("events")
	if !p.Config.Outbox.RelayEnabled {
		log.Info("outbox relay disabled")
		return nil
	}

	producer, err := NewKafkaProducer(p.Config.Outbox.KafkaBrokers, p.Config.AppName)
	if err != nil {
		return err
	}

	relay := NewRelay(p.DB, p.Log, producer, p.Clock, p.Metrics, RelayConfig{
		Topic:     p.Config.Outbox.KafkaTopic,
		BatchSize: p.Config.Outbox.BatchSize,
		Interval:  p.Config.Outbox.RelayInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			log.Info("starting outbox relay",
				zap.Strings("brokers", p.Config.Outbox.KafkaBrokers),
				zap.String("topic", p.Config.Outbox.KafkaTopic),
			)
			go func() {
				defer close(done)
				relay.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			producer.Close()
			return nil
		},
	})
	return nil
}
