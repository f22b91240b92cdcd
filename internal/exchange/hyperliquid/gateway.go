package hyperliquid

import (
	"context"
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/exchange/hyperliquid/ws"
	"gridbot/internal/models"
)

// Gateway: операции одного пользователя, подписанные его сессией.
type Gateway struct {
	client *Client
	signer exchange.Signer
}

func (g *Gateway) PlaceOrder(ctx context.Context, intent models.OrderIntent) (int64, error) {
	if err := g.checkSession("place"); err != nil {
		return 0, err
	}
	asset, err := g.client.Asset(ctx, intent.Symbol)
	if err != nil {
		return 0, err
	}
	return g.client.rest.PlaceOrder(ctx, g.signer, asset, intent)
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol string, exchangeID int64) error {
	if err := g.checkSession("cancel"); err != nil {
		return err
	}
	asset, err := g.client.Asset(ctx, symbol)
	if err != nil {
		return err
	}
	return g.client.rest.CancelOrder(ctx, g.signer, asset, exchangeID)
}

func (g *Gateway) GetOrderStatus(ctx context.Context, symbol string, query exchange.OrderQuery) (exchange.OrderState, error) {
	return g.client.rest.OrderStatus(ctx, g.user(), query)
}

func (g *Gateway) StreamFills(ctx context.Context) (<-chan exchange.FillEvent, error) {
	stream := ws.New(g.client.cfg.WSURL, g.client.log)
	stream.SetReconnect(g.client.cfg.ReconnectMin, g.client.cfg.ReconnectMax)
	return stream.StreamFills(ctx, g.user())
}

func (g *Gateway) MarginUtilization(ctx context.Context) (float64, error) {
	return g.client.rest.MarginUtilization(ctx, g.user())
}

// user: адрес, на котором живут заявки. Это хранилище (vault), если оно задано, иначе кошелёк сессии.
func (g *Gateway) user() string {
	if g.client.cfg.VaultAddress != "" {
		return g.client.cfg.VaultAddress
	}
	if g.signer == nil {
		return ""
	}
	return g.signer.Address()
}

func (g *Gateway) checkSession(op string) error {
	if g.signer == nil {
		return exchange.NewError(op, exchange.KindSessionExpired, exchange.ErrSessionExpired)
	}
	if exp := g.signer.ExpiresAt(); !exp.IsZero() && !time.Now().Before(exp) {
		return exchange.NewError(op, exchange.KindSessionExpired, exchange.ErrSessionExpired)
	}
	return nil
}
