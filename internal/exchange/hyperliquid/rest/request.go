package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"gridbot/internal/exchange"
)

// doRequest отправляет POST на /info или /exchange. Для действий на /exchange
// обрыв после отправки означает неизвестный исход, а не повод слепо повторять.
func (c *Client) doRequest(ctx context.Context, op, path string, body any, action bool, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return exchange.NewError(op, exchange.KindTerminal, fmt.Errorf("Не удалось подготовить тело запроса: %w", err))
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return exchange.NewError(op, exchange.KindRetryable, fmt.Errorf("Лимит запросов: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return exchange.NewError(op, exchange.KindTerminal, fmt.Errorf("Не удалось создать запрос: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := exchange.KindRetryable
		if action {
			kind = exchange.KindUnknownOutcome
		}
		if errors.Is(err, context.Canceled) && !action {
			kind = exchange.KindTerminal
		}
		return exchange.NewError(op, kind, fmt.Errorf("Ошибка запроса: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		kind := exchange.KindRetryable
		if action {
			kind = exchange.KindUnknownOutcome
		}
		return exchange.NewError(op, kind, fmt.Errorf("Не удалось прочитать ответ: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return exchange.NewError(op, exchange.KindRateLimited, fmt.Errorf("Неуспешный статус: %s", resp.Status))
	case resp.StatusCode >= 500:
		kind := exchange.KindRetryable
		if action {
			kind = exchange.KindUnknownOutcome
		}
		return exchange.NewError(op, kind, fmt.Errorf("Неуспешный статус: %s", resp.Status))
	case resp.StatusCode >= 400:
		return exchange.NewError(op, classifyMessage(string(data)), fmt.Errorf("Неуспешный статус: %s: %s", resp.Status, strings.TrimSpace(string(data))))
	}

	if err := json.Unmarshal(data, out); err != nil {
		kind := exchange.KindRetryable
		if action {
			kind = exchange.KindUnknownOutcome
		}
		return exchange.NewError(op, kind, fmt.Errorf("Не удалось разобрать ответ: %w", err))
	}
	return nil
}

// classifyMessage сводит текст ошибки биржи к виду ошибки.
func classifyMessage(msg string) exchange.ErrorKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "never placed, already canceled, or filled"):
		return exchange.KindNotFound
	case strings.Contains(lower, "api wallet") && strings.Contains(lower, "does not exist"):
		return exchange.KindSessionExpired
	case strings.Contains(lower, "too many"), strings.Contains(lower, "rate limit"):
		return exchange.KindRateLimited
	default:
		return exchange.KindTerminal
	}
}

func exchangeError(op, msg string) error {
	return exchange.NewError(op, classifyMessage(msg), fmt.Errorf("Ошибка hyperliquid: %s", msg))
}
