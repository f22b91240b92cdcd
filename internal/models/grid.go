package models

import (
	"errors"
	"fmt"
	"strings"
)

type CenterSource string
type SpacingMode string

const (
	CenterMid   CenterSource = "mid"
	CenterFixed CenterSource = "fixed"

	SpacingPercent  SpacingMode = "percent"
	SpacingAbsolute SpacingMode = "absolute"
)

var ErrInvalidConfig = errors.New("некорректная конфигурация сетки")

type DynamicSpacing struct {
	Lookback           int     `json:"lookback" mapstructure:"lookback"`
	Multiplier         float64 `json:"multiplier" mapstructure:"multiplier"`
	RebalanceThreshold float64 `json:"rebalance_threshold" mapstructure:"rebalance_threshold"`
}

// GridConfig неизменяем в течение жизни сетки.
type GridConfig struct {
	Symbol               string          `json:"symbol" mapstructure:"symbol"`
	CenterSource         CenterSource    `json:"center_source" mapstructure:"center_source"`
	CenterPrice          float64         `json:"center_price" mapstructure:"center_price"`
	SpacingMode          SpacingMode     `json:"spacing_mode" mapstructure:"spacing_mode"`
	Spacing              float64         `json:"spacing" mapstructure:"spacing"`
	LevelsPerSide        int             `json:"levels_per_side" mapstructure:"levels_per_side"`
	OrderSize            float64         `json:"order_size" mapstructure:"order_size"`
	MaxPosition          float64         `json:"max_position" mapstructure:"max_position"`
	Dynamic              *DynamicSpacing `json:"dynamic,omitempty" mapstructure:"dynamic"`
	RecenterThreshold    float64         `json:"recenter_threshold" mapstructure:"recenter_threshold"`
	NoiseThreshold       float64         `json:"noise_threshold" mapstructure:"noise_threshold"`
	MaxMarginUtilization float64         `json:"max_margin_utilization" mapstructure:"max_margin_utilization"`
	AllocatedCapital     float64         `json:"allocated_capital" mapstructure:"allocated_capital"`
	MaxDrawdown          float64         `json:"max_drawdown" mapstructure:"max_drawdown"`
	TimeInForce          TimeInForce     `json:"time_in_force" mapstructure:"time_in_force"`
}

func (c *GridConfig) ApplyDefaults() {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if c.CenterSource == "" {
		c.CenterSource = CenterMid
	}
	if c.SpacingMode == "" {
		c.SpacingMode = SpacingPercent
	}
	if c.TimeInForce == "" {
		c.TimeInForce = TifGtc
	}
}

func (c GridConfig) Validate() error {
	var problems []string

	if c.Symbol == "" {
		problems = append(problems, "не задан символ")
	}
	switch c.CenterSource {
	case CenterMid:
	case CenterFixed:
		if c.CenterPrice <= 0 {
			problems = append(problems, "center_price должен быть > 0 для fixed")
		}
	default:
		problems = append(problems, fmt.Sprintf("неизвестный источник центра: %q", c.CenterSource))
	}
	switch c.SpacingMode {
	case SpacingPercent:
		if c.LevelsPerSide > 0 && c.Spacing*float64(c.LevelsPerSide) >= 1 {
			problems = append(problems, "нижние уровни уходят в неположительную цену")
		}
	case SpacingAbsolute:
	default:
		problems = append(problems, fmt.Sprintf("неизвестный режим шага: %q", c.SpacingMode))
	}
	if c.Spacing <= 0 {
		problems = append(problems, "spacing должен быть > 0")
	}
	if c.LevelsPerSide <= 0 {
		problems = append(problems, "levels_per_side должен быть > 0")
	}
	if c.OrderSize <= 0 {
		problems = append(problems, "order_size должен быть > 0")
	}
	if c.MaxPosition <= 0 {
		problems = append(problems, "max_position должен быть > 0")
	}
	if c.Dynamic != nil {
		if c.Dynamic.Lookback < 2 {
			problems = append(problems, "dynamic.lookback должен быть >= 2")
		}
		if c.Dynamic.Multiplier <= 0 {
			problems = append(problems, "dynamic.multiplier должен быть > 0")
		}
		if c.Dynamic.RebalanceThreshold <= 0 {
			problems = append(problems, "dynamic.rebalance_threshold должен быть > 0")
		}
	}
	if c.RecenterThreshold < 0 || c.NoiseThreshold < 0 {
		problems = append(problems, "пороги не могут быть отрицательными")
	}
	if c.MaxMarginUtilization < 0 || c.MaxMarginUtilization > 1 {
		problems = append(problems, "max_margin_utilization должен быть в [0, 1]")
	}
	if c.MaxDrawdown < 0 || c.MaxDrawdown > 1 {
		problems = append(problems, "max_drawdown должен быть в [0, 1]")
	}
	if c.MaxDrawdown > 0 && c.AllocatedCapital <= 0 {
		problems = append(problems, "для max_drawdown нужен allocated_capital")
	}
	switch c.TimeInForce {
	case TifGtc, TifAlo:
	default:
		problems = append(problems, fmt.Sprintf("недопустимый time_in_force: %q", c.TimeInForce))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
