package catalog

import (
	"github.com/smallbiznis/creditline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("catalog",
	fx.Provide(
		provideHolder,
		func(h *Holder) Provider { return h },
	),
)

func provideHolder(cfg config.Config, log *zap.Logger) (*Holder, error) {
	return NewHolder(LoaderOptions{Path: cfg.CatalogPath, Watch: true}, log)
}
