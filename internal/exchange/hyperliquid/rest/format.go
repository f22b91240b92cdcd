package rest

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gridbot/internal/exchange"

	"github.com/shopspring/decimal"
)

const (
	maxSignificantFigures = 5
	maxPerpDecimals       = 6
)

// FormatPrice округляет цену до 5 значащих цифр и не более (6 - szDecimals) знаков после точки.
// Целые цены допустимы при любом числе значащих цифр.
func FormatPrice(price float64, szDecimals int) string {
	decimals := maxSignificantFigures - 1 - decimalExponent(price)
	if decimals < 0 {
		decimals = 0
	}
	if limit := maxPerpDecimals - szDecimals; decimals > limit {
		decimals = max(limit, 0)
	}
	return decimal.NewFromFloat(price).Round(int32(decimals)).String()
}

// FormatSize округляет размер до szDecimals. Нулевой размер возвращается ошибкой, такую заявку биржа не примет.
func FormatSize(size float64, szDecimals int) (string, error) {
	d := decimal.NewFromFloat(size).Round(int32(szDecimals))
	if !d.IsPositive() {
		return "", exchange.NewError("format", exchange.KindTerminal,
			fmt.Errorf("Размер %v после округления до %d знаков равен нулю", size, szDecimals))
	}
	return d.String(), nil
}

func decimalExponent(x float64) int {
	if x == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	text := strconv.FormatFloat(math.Abs(x), 'e', -1, 64)
	idx := strings.IndexByte(text, 'e')
	if idx < 0 {
		return 0
	}
	exp, err := strconv.Atoi(text[idx+1:])
	if err != nil {
		return 0
	}
	return exp
}

func parseDecimal(value string) (float64, error) {
	if value == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, errors.Join(fmt.Errorf("Некорректное число %q", value), err)
	}
	return d.InexactFloat64(), nil
}
