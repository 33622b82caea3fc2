package config

import (
	"fmt"

	"github.com/boddenberg/ledger-ingest-go/internal/recurring"

	"github.com/spf13/viper"
)

// LoadDetectorConfig overlays the file at path onto base. Keys missing from
// the file keep their base values. An empty path returns base unchanged.
func LoadDetectorConfig(path string, base recurring.Config) (recurring.Config, error) {
	if path == "" {
		return base, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DETECTOR")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return base, fmt.Errorf("read detector config %s: %w", path, err)
	}

	cfg := base
	// Lists in the file replace the defaults rather than merging into them.
	lists := map[string]*[]string{
		"brand_allow_list":        &cfg.BrandAllowList,
		"excluded_merchants":      &cfg.ExcludedMerchants,
		"excluded_categories":     &cfg.ExcludedCategories,
		"subscription_categories": &cfg.SubscriptionCategories,
		"subscription_keywords":   &cfg.SubscriptionKeywords,
	}
	for key, field := range lists {
		if v.IsSet(key) {
			*field = nil
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return base, fmt.Errorf("decode detector config %s: %w", path, err)
	}
	if cfg.MinConsecutiveMonths < 1 {
		return base, fmt.Errorf("detector config %s: min_consecutive_months must be >= 1", path)
	}
	return cfg, nil
}
