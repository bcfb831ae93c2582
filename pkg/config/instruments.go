package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyParams are the tunables for one instrument's signal policy and
// position management. Fields not relevant to the chosen policy are ignored.
type PolicyParams struct {
	// Entry filters
	VolumeFactor    float64 `yaml:"volume_factor"`    // breakout volume vs median
	VolatilityFloor float64 `yaml:"volatility_floor"` // min ATR/price ratio
	MinRiskReward   float64 `yaml:"min_risk_reward"`

	// Stop / target geometry (ATR multiples)
	StopATR        float64 `yaml:"stop_atr"`
	TargetATR      float64 `yaml:"target_atr"`
	TakeProfitLegs int     `yaml:"take_profit_legs"`

	// Trailing ratchet
	TrailTriggerATR  float64 `yaml:"trail_trigger_atr"` // activate after this much favorable movement
	TrailDistanceATR float64 `yaml:"trail_distance_atr"`

	// Break-even promotion: after N take-profit hits, or when unrealized
	// profit reaches R multiples of initial risk. Either trigger may fire.
	BreakEvenAfterTPs int     `yaml:"break_even_after_tps"`
	BreakEvenAtR      float64 `yaml:"break_even_at_r"`

	// Time stop; zero disables.
	MaxHoldMinutes int `yaml:"max_hold_minutes"`

	// Mean-reversion band width (standard deviations)
	BandStdDev float64 `yaml:"band_std_dev"`

	// Pullback continuation EMA period
	PullbackEMA int `yaml:"pullback_ema"`
}

// Instrument describes one tradable symbol. Immutable after registration.
type Instrument struct {
	Symbol      string  `yaml:"symbol"`
	TickSize    float64 `yaml:"tick_size"`
	StepSize    float64 `yaml:"step_size"`
	MinNotional float64 `yaml:"min_notional"`
	Leverage    int     `yaml:"leverage"`
	// RiskPerTradePct overrides the account-level risk fraction for this
	// instrument when positive. Same unit as RISK_PER_TRADE_PCT.
	RiskPerTradePct float64      `yaml:"risk_per_trade_pct"`
	Policy          string       `yaml:"policy"` // breakout, range_fade, pullback, mean_reversion
	Params          PolicyParams `yaml:"params"`
	BlackoutHours   []int        `yaml:"blackout_hours"` // UTC hours with no new entries
}

type instrumentsFile struct {
	Instruments []Instrument `yaml:"instruments"`
}

// LoadInstruments reads the instrument list from a YAML file and validates it.
func LoadInstruments(path string) ([]Instrument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruments file: %w", err)
	}

	var file instrumentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse instruments file: %w", err)
	}
	if len(file.Instruments) == 0 {
		return nil, fmt.Errorf("instruments file %s lists no instruments", path)
	}

	seen := make(map[string]bool, len(file.Instruments))
	for i := range file.Instruments {
		ins := &file.Instruments[i]
		if err := ins.Validate(); err != nil {
			return nil, err
		}
		if seen[ins.Symbol] {
			return nil, fmt.Errorf("duplicate instrument %s", ins.Symbol)
		}
		seen[ins.Symbol] = true
	}
	return file.Instruments, nil
}

// Validate fills policy-parameter defaults and rejects unusable instruments.
func (ins *Instrument) Validate() error {
	if ins.Symbol == "" {
		return fmt.Errorf("instrument with empty symbol")
	}
	if ins.TickSize <= 0 || ins.StepSize <= 0 {
		return fmt.Errorf("instrument %s: tick_size and step_size must be positive", ins.Symbol)
	}
	if ins.Leverage <= 0 || ins.Leverage > 125 {
		return fmt.Errorf("instrument %s: leverage %d out of range", ins.Symbol, ins.Leverage)
	}
	if ins.RiskPerTradePct < 0 || ins.RiskPerTradePct > 0.1 {
		return fmt.Errorf("instrument %s: risk_per_trade_pct %.4f out of range [0, 0.1]", ins.Symbol, ins.RiskPerTradePct)
	}
	switch ins.Policy {
	case "breakout", "range_fade", "pullback", "mean_reversion":
	default:
		return fmt.Errorf("instrument %s: unknown policy %q", ins.Symbol, ins.Policy)
	}
	for _, h := range ins.BlackoutHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("instrument %s: blackout hour %d out of range", ins.Symbol, h)
		}
	}

	p := &ins.Params
	if p.VolumeFactor == 0 {
		p.VolumeFactor = 1.5
	}
	if p.MinRiskReward == 0 {
		p.MinRiskReward = 1.2
	}
	if p.StopATR == 0 {
		p.StopATR = 1.5
	}
	if p.TargetATR == 0 {
		p.TargetATR = 3.0
	}
	if p.TakeProfitLegs == 0 {
		p.TakeProfitLegs = 3
	}
	if p.TakeProfitLegs > 4 {
		return fmt.Errorf("instrument %s: take_profit_legs %d exceeds cap of 4", ins.Symbol, p.TakeProfitLegs)
	}
	if p.TrailTriggerATR == 0 {
		p.TrailTriggerATR = 1.0
	}
	if p.TrailDistanceATR == 0 {
		p.TrailDistanceATR = 1.0
	}
	if p.BreakEvenAfterTPs == 0 && p.BreakEvenAtR == 0 {
		p.BreakEvenAfterTPs = 1
	}
	if p.BandStdDev == 0 {
		p.BandStdDev = 2.0
	}
	if p.PullbackEMA == 0 {
		p.PullbackEMA = 21
	}
	return nil
}
