package rest

import (
	"context"
	"encoding/json"
	"fmt"

	"gridbot/internal/exchange"
	"gridbot/internal/models"
)

// PlaceOrder выставляет лимитную заявку и возвращает её oid.
func (c *Client) PlaceOrder(ctx context.Context, signer exchange.Signer, asset Asset, intent models.OrderIntent) (int64, error) {
	const op = "place"

	size, err := FormatSize(intent.Size, asset.SzDecimals)
	if err != nil {
		return 0, err
	}
	tif := string(intent.TimeInForce)
	if tif == "" {
		tif = string(models.TifGtc)
	}

	action := orderAction{
		Type: "order",
		Orders: []orderWire{{
			Asset:      asset.Index,
			IsBuy:      intent.Side == models.SideBuy,
			LimitPx:    FormatPrice(intent.Price, asset.SzDecimals),
			Size:       size,
			ReduceOnly: intent.ReduceOnly,
			OrderType:  orderTypeWire{Limit: &limitWire{Tif: tif}},
			Cloid:      intent.ClientKey,
		}},
		Grouping: "na",
	}

	statuses, err := c.postAction(ctx, op, signer, action)
	if err != nil {
		return 0, err
	}
	if len(statuses) == 0 {
		return 0, exchange.NewError(op, exchange.KindUnknownOutcome, fmt.Errorf("Пустой ответ на выставление"))
	}

	var st actionStatus
	if err := json.Unmarshal(statuses[0], &st); err != nil {
		return 0, exchange.NewError(op, exchange.KindUnknownOutcome, fmt.Errorf("Не удалось разобрать статус заявки: %w", err))
	}
	switch {
	case st.Error != "":
		return 0, exchangeError(op, st.Error)
	case st.Resting != nil:
		return st.Resting.Oid, nil
	case st.Filled != nil:
		return st.Filled.Oid, nil
	default:
		return 0, exchange.NewError(op, exchange.KindUnknownOutcome, fmt.Errorf("Неизвестный статус заявки: %s", statuses[0]))
	}
}

func (c *Client) CancelOrder(ctx context.Context, signer exchange.Signer, asset Asset, oid int64) error {
	const op = "cancel"

	action := cancelAction{
		Type:    "cancel",
		Cancels: []cancelWire{{Asset: asset.Index, Oid: oid}},
	}

	statuses, err := c.postAction(ctx, op, signer, action)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		return exchange.NewError(op, exchange.KindUnknownOutcome, fmt.Errorf("Пустой ответ на отмену"))
	}

	var text string
	if err := json.Unmarshal(statuses[0], &text); err == nil {
		if text == "success" {
			return nil
		}
		return exchangeError(op, text)
	}

	var st actionStatus
	if err := json.Unmarshal(statuses[0], &st); err != nil {
		return exchange.NewError(op, exchange.KindUnknownOutcome, fmt.Errorf("Не удалось разобрать статус отмены: %w", err))
	}
	if st.Error != "" {
		return exchangeError(op, st.Error)
	}
	return nil
}

// postAction подписывает действие и отправляет его на /exchange.
func (c *Client) postAction(ctx context.Context, op string, signer exchange.Signer, action any) ([]json.RawMessage, error) {
	if signer == nil {
		return nil, exchange.NewError(op, exchange.KindSessionExpired, exchange.ErrSessionExpired)
	}

	nonce := c.nextNonce()
	sig, err := c.signAction(signer, action, nonce)
	if err != nil {
		if exchange.Classify(err) == exchange.KindSessionExpired {
			return nil, exchange.NewError(op, exchange.KindSessionExpired, err)
		}
		return nil, exchange.NewError(op, exchange.KindTerminal, err)
	}

	req := exchangeRequest{
		Action:       action,
		Nonce:        nonce,
		Signature:    sig,
		VaultAddress: c.vaultPtr(),
	}

	var resp exchangeResponse
	if err := c.doRequest(ctx, op, "/exchange", req, true, &resp); err != nil {
		return nil, err
	}

	if resp.Status != "ok" {
		var msg string
		if err := json.Unmarshal(resp.Response, &msg); err != nil {
			msg = string(resp.Response)
		}
		return nil, exchangeError(op, msg)
	}

	var body statusesResponse
	if err := json.Unmarshal(resp.Response, &body); err != nil {
		return nil, exchange.NewError(op, exchange.KindUnknownOutcome, fmt.Errorf("Не удалось разобрать ответ: %w", err))
	}
	return body.Data.Statuses, nil
}
