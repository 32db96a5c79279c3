package catalog

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Provider returns the catalog in effect at call time.
type Provider interface {
	Current() *Catalog
}

// Holder keeps the active catalog and swaps it atomically on reload.
type Holder struct {
	current atomic.Pointer[Catalog]
	log     *zap.Logger
}

type LoaderOptions struct {
	// Path points at an explicit catalog file. When empty the well-known
	// locations are searched and defaults apply if none exists.
	Path  string
	Watch bool
}

// NewStaticHolder wraps an already built catalog.
func NewStaticHolder(c *Catalog) *Holder {
	h := &Holder{log: zap.NewNop()}
	h.current.Store(c)
	return h
}

func NewHolder(opts LoaderOptions, log *zap.Logger) (*Holder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("catalog")

	v := viper.New()
	if path := strings.TrimSpace(opts.Path); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("catalog")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/creditline")
		v.AddConfigPath(".")
	}

	holder := &Holder{log: log}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
		c, err := New(DefaultConfig())
		if err != nil {
			return nil, err
		}
		holder.current.Store(c)
		log.Info("catalog file not found, using defaults",
			zap.Int("plans", len(c.plans)),
			zap.Int("credit_packages", len(c.packages)),
		)
		return holder, nil
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := holder.apply(cfg, v.ConfigFileUsed()); err != nil {
		return nil, err
	}

	if opts.Watch {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decode(v)
			if err != nil {
				log.Warn("catalog reload failed", zap.String("file", e.Name), zap.Error(err))
				return
			}
			if err := holder.apply(updated, e.Name); err != nil {
				log.Warn("invalid catalog ignored", zap.String("file", e.Name), zap.Error(err))
			}
		})
		v.WatchConfig()
	}

	return holder, nil
}

func (h *Holder) Current() *Catalog {
	return h.current.Load()
}

func (h *Holder) apply(cfg Config, source string) error {
	c, err := New(cfg)
	if err != nil {
		return err
	}
	h.current.Store(c)
	h.log.Info("catalog loaded",
		zap.String("file", source),
		zap.Int("plans", len(c.plans)),
		zap.Int("credit_packages", len(c.packages)),
		zap.Int("aliases", len(c.aliases)),
	)
	return nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.UnmarshalKey("catalog", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode catalog: %w", err)
	}
	if len(cfg.Plans) == 0 && len(cfg.CreditPackages) == 0 {
		return Config{}, errors.New("catalog: file defines no plans or credit packages")
	}
	return cfg, nil
}
