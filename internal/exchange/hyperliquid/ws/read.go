package ws

import (
	"context"
	"encoding/json"
	"time"
)

// run читает сообщения до отмены ctx. Без reconnect выходит при первой ошибке чтения.
func (w *Client) run(ctx context.Context, reconnect bool, handle func(Message) bool, onReconnect func() bool) {
	w.logEntry().Debug("readLoop запущен.")

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-loopCtx.Done()
		w.close()
	}()
	go w.pingLoop(loopCtx)

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logEntry().WithError(err).Warn("Ошибка чтения WS.")

			if !reconnect || !w.reconnect(ctx) {
				return
			}
			if onReconnect != nil && !onReconnect() {
				return
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось разобрать WS сообщение.")
			continue
		}
		if msg.Channel == "pong" || msg.Channel == "subscriptionResponse" {
			continue
		}
		if !handle(msg) {
			return
		}
	}
}

func (w *Client) reconnect(ctx context.Context) bool {
	backoff := w.reconnectMin

	for {
		w.logEntry().Info("Попытка переподключения к WS.")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		if err := w.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return false
			}
			w.logEntry().WithError(err).Warn("Не удалось переподключиться к WS.")
			backoff = w.nextBackoff(backoff)
			continue
		}

		w.logEntry().Info("WS переподключён и подписки восстановлены.")
		return true
	}
}

func (w *Client) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > w.reconnectMax {
		return w.reconnectMax
	}
	return next
}
