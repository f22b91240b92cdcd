package ws

import (
	"context"
	"strings"

	"gridbot/internal/exchange"
	"gridbot/internal/models"
)

func (w *Client) subscribe() error {
	sub := w.subscription
	return w.writeJSON(SubscribeMessage{Method: "subscribe", Subscription: &sub})
}

// StreamMids отдаёт mid-цены символа. Канал закрывается при обрыве соединения или отмене ctx;
// переподключение со снапшотом делает вызывающая сторона.
func (w *Client) StreamMids(ctx context.Context, symbol string) (<-chan models.Tick, error) {
	w.subscription = Subscription{Type: "allMids"}
	if err := w.connect(ctx); err != nil {
		return nil, err
	}

	out := make(chan models.Tick, 64)
	symbol = strings.ToUpper(symbol)
	go func() {
		defer close(out)
		w.run(ctx, false, func(msg Message) bool {
			if msg.Channel != "allMids" {
				return true
			}
			tick, ok := w.handleMids(msg, symbol)
			if !ok {
				return true
			}
			select {
			case out <- tick:
				return true
			case <-ctx.Done():
				return false
			}
		}, nil)
	}()
	return out, nil
}

// StreamFills отдаёт исполнения пользователя. После переподключения первым
// приходит событие Resync: часть исполнений могла быть пропущена.
func (w *Client) StreamFills(ctx context.Context, user string) (<-chan exchange.FillEvent, error) {
	w.subscription = Subscription{Type: "userFills", User: strings.ToLower(user)}
	if err := w.connect(ctx); err != nil {
		return nil, err
	}

	out := make(chan exchange.FillEvent, 256)
	emit := func(ev exchange.FillEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)
		w.run(ctx, true, func(msg Message) bool {
			if msg.Channel != "userFills" {
				return true
			}
			for _, fill := range w.handleFills(msg) {
				if !emit(exchange.FillEvent{Fill: fill}) {
					return false
				}
			}
			return true
		}, func() bool {
			return emit(exchange.FillEvent{Resync: true})
		})
	}()
	return out, nil
}
