package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PackageSpec describes one purchasable Fortune Points package.
type PackageSpec struct {
	Code          string `mapstructure:"code"`
	Name          string `mapstructure:"name"`
	FortunePoints int64  `mapstructure:"fortunePoints"`
	BonusPoints   int64  `mapstructure:"bonusPoints"`
	Price         int64  `mapstructure:"price"`
	ExpiresDays   int    `mapstructure:"expiresDays"`
	IsActive      bool   `mapstructure:"isActive"`
	SortOrder     int    `mapstructure:"sortOrder"`
}

// Catalog is the file-managed set of packages.
type Catalog struct {
	Packages []PackageSpec `mapstructure:"packages"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		Packages: []PackageSpec{
			{Code: "basic", Name: "기본 패키지", FortunePoints: 100, BonusPoints: 0, Price: 1000, ExpiresDays: 365, IsActive: true, SortOrder: 1},
			{Code: "standard", Name: "스탠다드 패키지", FortunePoints: 500, BonusPoints: 50, Price: 5000, ExpiresDays: 365, IsActive: true, SortOrder: 2},
			{Code: "premium", Name: "프리미엄 패키지", FortunePoints: 1000, BonusPoints: 200, Price: 10000, ExpiresDays: 365, IsActive: true, SortOrder: 3},
		},
	}
}

type CatalogHolder struct {
	current atomic.Value // holds Catalog
}

// NewCatalogHolder loads packages.yml and keeps it hot-reloaded.
func NewCatalogHolder() (*CatalogHolder, error) {
	v := viper.New()

	v.SetConfigName("packages")
	v.SetConfigType("yml")
	if override := strings.TrimSpace(os.Getenv("FORTUNEPAY_CATALOG_PATH")); override != "" {
		v.AddConfigPath(override)
	}
	v.AddConfigPath("/etc/fortunepay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FORTUNEPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &CatalogHolder{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		holder.current.Store(DefaultCatalog())
		return holder, nil
	}

	var cfg Catalog
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := validateCatalog(cfg); err != nil {
		return nil, err
	}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Catalog
		if err := v.Unmarshal(&updated); err != nil {
			log.Printf("[package-catalog] reload failed: %v", err)
			return
		}
		if err := validateCatalog(updated); err != nil {
			log.Printf("[package-catalog] invalid catalog ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[package-catalog] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticCatalogHolder wraps a fixed catalog.
func NewStaticCatalogHolder(c Catalog) *CatalogHolder {
	holder := &CatalogHolder{}
	holder.current.Store(c)
	return holder
}

func (h *CatalogHolder) Get() Catalog {
	return h.current.Load().(Catalog)
}

func validateCatalog(cfg Catalog) error {
	if len(cfg.Packages) == 0 {
		return errors.New("packages cannot be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Packages))
	for _, p := range cfg.Packages {
		code := strings.TrimSpace(p.Code)
		if code == "" {
			return errors.New("package code is required")
		}
		if _, ok := seen[code]; ok {
			return fmt.Errorf("duplicate package code %q", code)
		}
		seen[code] = struct{}{}
		if p.FortunePoints <= 0 || p.BonusPoints < 0 {
			return fmt.Errorf("package %q: points must be positive", code)
		}
		if p.Price <= 0 {
			return fmt.Errorf("package %q: price must be positive", code)
		}
	}
	return nil
}
