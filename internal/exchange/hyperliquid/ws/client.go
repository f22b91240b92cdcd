package ws

import (
	"context"
	"fmt"
	"time"

	"gridbot/internal/logger"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func New(url string, log *logger.Logger) *Client {
	return &Client{
		url:          url,
		log:          log,
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
		pingInterval: 50 * time.Second,
	}
}

// SetReconnect задаёт границы паузы между попытками переподключения.
func (w *Client) SetReconnect(min, max time.Duration) {
	if min > 0 {
		w.reconnectMin = min
	}
	if max >= w.reconnectMin {
		w.reconnectMax = max
	}
}

func (w *Client) connect(ctx context.Context) error {
	w.logEntry().WithField("url", w.url).Info("Подключение к WS.")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("Не удалось подключиться к WS: %w", err)
	}

	w.writeMu.Lock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.conn = conn
	w.conn.SetReadLimit(2 << 20)
	w.writeMu.Unlock()

	if err := w.subscribe(); err != nil {
		return err
	}

	w.logEntry().Info("WS соединение установлено.")
	return nil
}

func (w *Client) close() {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
}

func (w *Client) writeJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("WS не подключён")
	}
	return w.conn.WriteJSON(v)
}

func (w *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.writeJSON(SubscribeMessage{Method: "ping"}); err != nil {
				w.logEntry().WithError(err).Debug("Не удалось отправить ping.")
			}
		}
	}
}

func (w *Client) logEntry() *logrus.Entry {
	entry := w.log.WithComponent("hyperliquid_ws").WithField("subscription", w.subscription.Type)
	if w.subscription.User != "" {
		entry = entry.WithField("user", w.subscription.User)
	}
	return entry
}
