package rest

import (
	"context"
	"fmt"
	"strings"

	"gridbot/internal/exchange"
	"gridbot/internal/models"
)

// Meta загружает universe бессрочных рынков. Индекс инструмента равен его позиции в списке.
func (c *Client) Meta(ctx context.Context) (map[string]Asset, error) {
	var resp metaResponse
	if err := c.doRequest(ctx, "meta", "/info", map[string]any{"type": "meta"}, false, &resp); err != nil {
		return nil, err
	}

	assets := make(map[string]Asset, len(resp.Universe))
	for i, item := range resp.Universe {
		name := strings.ToUpper(item.Name)
		assets[name] = Asset{Name: name, Index: i, SzDecimals: item.SzDecimals}
	}
	return assets, nil
}

func (c *Client) AllMids(ctx context.Context) (map[string]float64, error) {
	var resp map[string]string
	if err := c.doRequest(ctx, "all_mids", "/info", map[string]any{"type": "allMids"}, false, &resp); err != nil {
		return nil, err
	}

	mids := make(map[string]float64, len(resp))
	for coin, value := range resp {
		price, err := parseDecimal(value)
		if err != nil {
			c.log.WithComponent("hyperliquid_rest").WithError(err).WithField("coin", coin).Warn("Пропускаем некорректную mid-цену.")
			continue
		}
		mids[strings.ToUpper(coin)] = price
	}
	return mids, nil
}

// OrderStatus ищет заявку по oid, а без него по cloid.
func (c *Client) OrderStatus(ctx context.Context, user string, query exchange.OrderQuery) (exchange.OrderState, error) {
	const op = "order_status"

	body := map[string]any{"type": "orderStatus", "user": strings.ToLower(user)}
	switch {
	case query.ExchangeID != 0:
		body["oid"] = query.ExchangeID
	case query.ClientKey != "":
		body["oid"] = query.ClientKey
	default:
		return exchange.OrderState{}, exchange.NewError(op, exchange.KindTerminal, fmt.Errorf("Пустой запрос статуса"))
	}

	var resp orderStatusResponse
	if err := c.doRequest(ctx, op, "/info", body, false, &resp); err != nil {
		return exchange.OrderState{}, err
	}

	if resp.Status != "order" || resp.Order == nil {
		return exchange.OrderState{
			Status:     exchange.StatusUnknown,
			ExchangeID: query.ExchangeID,
			ClientKey:  query.ClientKey,
		}, nil
	}

	item := resp.Order.Order
	price, err := parseDecimal(item.LimitPx)
	if err != nil {
		return exchange.OrderState{}, exchange.NewError(op, exchange.KindRetryable, err)
	}
	remaining, err := parseDecimal(item.Sz)
	if err != nil {
		return exchange.OrderState{}, exchange.NewError(op, exchange.KindRetryable, err)
	}
	orig, err := parseDecimal(item.OrigSz)
	if err != nil {
		return exchange.OrderState{}, exchange.NewError(op, exchange.KindRetryable, err)
	}

	status := remoteStatus(resp.Order.Status)
	filled := orig - remaining
	if status == exchange.StatusFilled {
		filled = orig
	}
	if filled < 0 {
		filled = 0
	}

	return exchange.OrderState{
		Status:     status,
		ExchangeID: item.Oid,
		ClientKey:  item.Cloid,
		Side:       SideFromWire(item.Side),
		Price:      price,
		Size:       orig,
		FilledSize: filled,
	}, nil
}

// MarginUtilization: доля стоимости счёта, занятая маржой.
func (c *Client) MarginUtilization(ctx context.Context, user string) (float64, error) {
	var resp clearinghouseResponse
	body := map[string]any{"type": "clearinghouseState", "user": strings.ToLower(user)}
	if err := c.doRequest(ctx, "clearinghouse_state", "/info", body, false, &resp); err != nil {
		return 0, err
	}

	value, err := parseDecimal(resp.MarginSummary.AccountValue)
	if err != nil {
		return 0, exchange.NewError("clearinghouse_state", exchange.KindRetryable, err)
	}
	used, err := parseDecimal(resp.MarginSummary.TotalMarginUsed)
	if err != nil {
		return 0, exchange.NewError("clearinghouse_state", exchange.KindRetryable, err)
	}
	if value <= 0 {
		if used > 0 {
			return 1, nil
		}
		return 0, nil
	}
	return used / value, nil
}

func remoteStatus(status string) exchange.RemoteStatus {
	lower := strings.ToLower(status)
	switch {
	case lower == "open", lower == "triggered":
		return exchange.StatusOpen
	case lower == "filled":
		return exchange.StatusFilled
	case strings.HasSuffix(lower, "canceled"):
		return exchange.StatusCanceled
	case strings.HasSuffix(lower, "rejected"):
		return exchange.StatusRejected
	default:
		return exchange.StatusUnknown
	}
}

// SideFromWire переводит сторону из формата биржи ("B"/"A").
func SideFromWire(side string) models.Side {
	switch strings.ToUpper(side) {
	case "B":
		return models.SideBuy
	case "A":
		return models.SideSell
	default:
		return models.SideNone
	}
}
