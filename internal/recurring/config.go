package recurring

// Config holds the detector's tolerances and merchant/category filters.
// Field tags let the file loader in internal/config decode overrides.
type Config struct {
	AmountPctTol         float64 `mapstructure:"amount_pct_tol"`
	AmountAbsTol         float64 `mapstructure:"amount_abs_tol"`
	DayOfMonthTol        int     `mapstructure:"day_of_month_tol"`
	MinConsecutiveMonths int     `mapstructure:"min_consecutive_months"`
	PriceChangeThreshold float64 `mapstructure:"price_change_threshold"`
	OutlierRatio         float64 `mapstructure:"outlier_ratio"`
	MergeGapMonths       int     `mapstructure:"merge_gap_months"`
	CurrentWindowDays    int     `mapstructure:"current_window_days"`

	// BrandAllowList keys bypass every category and merchant filter.
	BrandAllowList []string `mapstructure:"brand_allow_list"`
	// ExcludedMerchants are canonical keys that are never subscriptions.
	ExcludedMerchants []string `mapstructure:"excluded_merchants"`
	// ExcludedCategories and SubscriptionCategories are lower-case substrings
	// tested against the group's main category name.
	ExcludedCategories     []string `mapstructure:"excluded_categories"`
	SubscriptionCategories []string `mapstructure:"subscription_categories"`
	// SubscriptionKeywords are upper-case merchant substrings used when the
	// category is missing or inconclusive.
	SubscriptionKeywords []string `mapstructure:"subscription_keywords"`
}

// DefaultConfig returns the built-in tolerances and lists.
func DefaultConfig() Config {
	return Config{
		AmountPctTol:         0.10,
		AmountAbsTol:         3.00,
		DayOfMonthTol:        7,
		MinConsecutiveMonths: 3,
		PriceChangeThreshold: 1.00,
		OutlierRatio:         0.3,
		MergeGapMonths:       4,
		CurrentWindowDays:    90,

		BrandAllowList: []string{
			"TRADINGVIEW", "EQUINOX", "NETFLIX", "SPOTIFY", "APPLE", "GOOGLE",
			"CURSOR", "LEETCODE", "OPENAI", "BELL_CANADA", "FIDO", "ROGERS", "TELUS",
			"OURARING", "MEMBERSHIP_FEE",
		},
		ExcludedMerchants: []string{
			"RENT", "LONGOS", "LOBLAWS", "METRO", "SOBEYS", "WALMART",
			"DOLLARAMA", "RESTAURANT", "TIM HORTONS", "STARBUCKS",
			"SHELL", "ESSO", "PETRO", "UBER RIDES", "UBER EATS",
			"REXALL", "SHOPPERS", "NATURES EMPORIUM", "WINNERS",
			"INTEREST", "PHARMACY", "MCDONALD", "SUBWAY",
			"AMAZONCOM PAYMENTS-CA", "AMAZON", "BEST BUY",
		},
		ExcludedCategories: []string{
			"qsr", "restaurant", "ordering out", "ordering in", "groceries",
			"home maintenance", "going out", "medical", "healthcare",
			"pharmacy", "pickup sport", "trading", "retail", "shopping",
			"clothing", "public transportation", "gas", "fuel", "travel",
			"hotels", "coffee", "tim hortons", "starbucks", "personal care",
			"grooming", "cash withdrawal", "atm", "dollarama", "amazon",
		},
		SubscriptionCategories: []string{
			"gym", "fitness", "telecom", "entertainment", "streaming",
			"subscriptions", "software", "ai tools", "education",
			"membership", "cc fee", "electronics",
		},
		SubscriptionKeywords: []string{
			"NETFLIX", "DISNEY", "SPOTIFY", "AMAZON PRIME", "PRIME VIDEO",
			"APPLE.COM/BILL", "ICLOUD", "APPLE TV", "APPLE SERVICES",
			"GOOGLE STORAGE", "YOUTUBE", "ADOBE", "MICROSOFT", "DROPBOX", "OURA",
			"EQUINOX", "GOODLIFE", "PELOTON", "F45", "FITNESS",
			"BELL", "ROGERS", "FIDO", "TELUS", "KOODO", "FREEDOM",
			"INSURANCE", "MEMBERSHIP", "SUBSCRIPTION",
			"PATREON", "SUBSTACK", "MEDIUM", "AUDIBLE", "KINDLE",
			"SLACK", "ZOOM", "NOTION", "FIGMA", "CANVA",
			"HULU", "HBO", "PARAMOUNT", "PEACOCK", "CRUNCHYROLL",
			"TWITCH", "DISCORD", "GITHUB", "GITLAB",
		},
	}
}
