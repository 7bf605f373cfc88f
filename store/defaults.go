package store

// int64p is a local shorthand for building the default table.
func int64p(v int64) *int64 { return &v }

// DefaultLimitConfig returns the built-in ceiling table for known providers.
// It is the last stop of the resolution chain: exact (provider, model, tier)
// row, then the (provider, NULL, tier) fallback row, then this table. A nil
// field means the ceiling is not enforced for that provider and tier.
func DefaultLimitConfig(provider string, tier Tier) *LimitConfig {
	cfg := &LimitConfig{Provider: provider, Tier: tier}
	switch provider {
	case "anthropic":
		if tier == TierPro {
			cfg.RequestsPerMinute = int64p(1000)
			cfg.RequestsPerDay = int64p(10000)
			cfg.TokensPerMinute = int64p(80000)
			cfg.TokensPerDay = int64p(2500000)
		} else {
			cfg.RequestsPerMinute = int64p(50)
			cfg.RequestsPerDay = int64p(1000)
			cfg.TokensPerMinute = int64p(40000)
			cfg.TokensPerDay = int64p(300000)
		}
	case "openai":
		if tier == TierPro {
			cfg.RequestsPerMinute = int64p(500)
			cfg.RequestsPerDay = int64p(10000)
			cfg.TokensPerMinute = int64p(150000)
		} else {
			cfg.RequestsPerMinute = int64p(60)
			cfg.RequestsPerDay = int64p(200)
			cfg.TokensPerMinute = int64p(40000)
		}
	case "google":
		if tier == TierPro {
			cfg.RequestsPerMinute = int64p(1000)
			cfg.RequestsPerDay = int64p(15000)
		} else {
			cfg.RequestsPerMinute = int64p(60)
			cfg.RequestsPerDay = int64p(1500)
		}
	default:
		// Unknown providers get a conservative request ceiling so a typo in
		// a provider name cannot become an unlimited lane.
		if tier == TierPro {
			cfg.RequestsPerMinute = int64p(500)
		} else {
			cfg.RequestsPerMinute = int64p(60)
		}
	}
	return cfg
}

// FreeTierSharedRPM is the provider-agnostic backstop for free tenants: all
// free traffic shares this budget regardless of provider.
const FreeTierSharedRPM = 100
