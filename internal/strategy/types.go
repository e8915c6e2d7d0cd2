package strategy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OffsetMode selects how buy/sell offsets are applied to the reference price.
type OffsetMode string

const (
	OffsetPercentage OffsetMode = "PERCENTAGE"
	OffsetFixed      OffsetMode = "FIXED"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid strategy config")

// Config is one resolved strategy. It is immutable for a scheduling run.
type Config struct {
	ID                string
	Name              string
	Enabled           bool
	Token             string
	Chain             string
	TargetVolume      float64
	SingleTradeAmount float64
	OffsetMode        OffsetMode
	BuyOffset         float64
	SellOffset        float64
	// BaselinePrice anchors the volatility check; zero disables it.
	BaselinePrice float64
	// VolatilityThreshold is the allowed deviation from BaselinePrice in percent.
	VolatilityThreshold float64
	TradeInterval       time.Duration
	OrderTimeout        time.Duration
	SettleDelay         time.Duration
	// MaxRounds bounds query/batch cycles per run; zero means until target.
	MaxRounds int
	Users     []string

	overrides map[string]Fields
}

// Active reports whether the strategy should be scheduled.
func (c Config) Active() bool {
	return c.Enabled && c.TargetVolume > 0 && c.SingleTradeAmount > 0
}

// ForUser returns c with userID's overrides applied.
func (c Config) ForUser(userID string) Config {
	o, ok := c.overrides[userID]
	if !ok {
		return c
	}
	out := c
	o.applyTo(&out)
	out.overrides = nil
	return out
}

// HasOverrides reports whether userID has per-user fields.
func (c Config) HasOverrides(userID string) bool {
	_, ok := c.overrides[userID]
	return ok
}

// Validate checks the resolved config.
func (c Config) Validate() error {
	var problems []string
	if c.ID == "" {
		problems = append(problems, "id is required")
	}
	if c.Token == "" {
		problems = append(problems, "token is required")
	}
	if c.TargetVolume <= 0 {
		problems = append(problems, "target_volume must be positive")
	}
	if c.SingleTradeAmount <= 0 {
		problems = append(problems, "single_trade_amount must be positive")
	}
	switch c.OffsetMode {
	case OffsetPercentage:
		if c.SellOffset >= 100 {
			problems = append(problems, "sell_offset must be below 100 percent")
		}
	case OffsetFixed:
	default:
		problems = append(problems, fmt.Sprintf("offset_mode %q is not PERCENTAGE or FIXED", c.OffsetMode))
	}
	if c.BuyOffset < 0 || c.SellOffset < 0 {
		problems = append(problems, "offsets must not be negative")
	}
	if c.OrderTimeout <= 0 {
		problems = append(problems, "order_timeout must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w %s: %s", ErrInvalidConfig, c.ID, strings.Join(problems, "; "))
	}
	return nil
}

// Fields is the optional-field form used by defaults, strategies and user
// overrides in the YAML document.
type Fields struct {
	Enabled             *bool          `yaml:"enabled"`
	Token               *string        `yaml:"token"`
	Chain               *string        `yaml:"chain"`
	TargetVolume        *float64       `yaml:"target_volume"`
	SingleTradeAmount   *float64       `yaml:"single_trade_amount"`
	OffsetMode          *string        `yaml:"offset_mode"`
	BuyOffset           *float64       `yaml:"buy_offset"`
	SellOffset          *float64       `yaml:"sell_offset"`
	BaselinePrice       *float64       `yaml:"baseline_price"`
	VolatilityThreshold *float64       `yaml:"volatility_threshold"`
	TradeInterval       *time.Duration `yaml:"trade_interval"`
	OrderTimeout        *time.Duration `yaml:"order_timeout"`
	SettleDelay         *time.Duration `yaml:"settle_delay"`
	MaxRounds           *int           `yaml:"max_rounds"`
}

func (f Fields) applyTo(c *Config) {
	if f.Enabled != nil {
		c.Enabled = *f.Enabled
	}
	if f.Token != nil {
		c.Token = strings.ToUpper(strings.TrimSpace(*f.Token))
	}
	if f.Chain != nil {
		c.Chain = *f.Chain
	}
	if f.TargetVolume != nil {
		c.TargetVolume = *f.TargetVolume
	}
	if f.SingleTradeAmount != nil {
		c.SingleTradeAmount = *f.SingleTradeAmount
	}
	if f.OffsetMode != nil {
		c.OffsetMode = OffsetMode(strings.ToUpper(*f.OffsetMode))
	}
	if f.BuyOffset != nil {
		c.BuyOffset = *f.BuyOffset
	}
	if f.SellOffset != nil {
		c.SellOffset = *f.SellOffset
	}
	if f.BaselinePrice != nil {
		c.BaselinePrice = *f.BaselinePrice
	}
	if f.VolatilityThreshold != nil {
		c.VolatilityThreshold = *f.VolatilityThreshold
	}
	if f.TradeInterval != nil {
		c.TradeInterval = *f.TradeInterval
	}
	if f.OrderTimeout != nil {
		c.OrderTimeout = *f.OrderTimeout
	}
	if f.SettleDelay != nil {
		c.SettleDelay = *f.SettleDelay
	}
	if f.MaxRounds != nil {
		c.MaxRounds = *f.MaxRounds
	}
}

// builtin are the values used when neither defaults nor the strategy set a field.
func builtin() Config {
	return Config{
		Enabled:             true,
		OffsetMode:          OffsetPercentage,
		BuyOffset:           0.5,
		SellOffset:          0.5,
		VolatilityThreshold: 5,
		TradeInterval:       5 * time.Second,
		OrderTimeout:        60 * time.Second,
		SettleDelay:         30 * time.Second,
	}
}
