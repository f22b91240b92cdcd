package hyperliquid

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/exchange/hyperliquid/rest"
	"gridbot/internal/exchange/hyperliquid/ws"
	"gridbot/internal/logger"
	"gridbot/internal/models"

	"github.com/sirupsen/logrus"
)

type Config struct {
	BaseURL      string
	WSURL        string
	Mainnet      bool
	VaultAddress string
	Timeout      time.Duration
	RateLimitRPS float64
	RateBurst    int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Client: общий для всех сеток доступ к Hyperliquid. Подписывающие операции
// доступны только через Gateway, привязанный к сессии кошелька.
type Client struct {
	cfg  Config
	rest *rest.Client
	log  *logger.Logger

	mu     sync.Mutex
	assets map[string]rest.Asset
}

func New(cfg Config, log *logger.Logger) *Client {
	return &Client{
		cfg: cfg,
		rest: rest.New(rest.Config{
			BaseURL:      cfg.BaseURL,
			Mainnet:      cfg.Mainnet,
			VaultAddress: cfg.VaultAddress,
			Timeout:      cfg.Timeout,
			RateLimitRPS: cfg.RateLimitRPS,
			RateBurst:    cfg.RateBurst,
		}, log),
		log: log,
	}
}

func (c *Client) Bind(signer exchange.Signer) exchange.Gateway {
	return &Gateway{client: c, signer: signer}
}

func (c *Client) StreamMidPrice(ctx context.Context, symbol string) (<-chan models.Tick, error) {
	stream := ws.New(c.cfg.WSURL, c.log)
	stream.SetReconnect(c.cfg.ReconnectMin, c.cfg.ReconnectMax)
	return stream.StreamMids(ctx, symbol)
}

func (c *Client) GetSnapshotPrice(ctx context.Context, symbol string) (float64, error) {
	mids, err := c.rest.AllMids(ctx)
	if err != nil {
		return 0, err
	}
	price, ok := mids[strings.ToUpper(symbol)]
	if !ok {
		return 0, exchange.NewError("snapshot", exchange.KindTerminal, fmt.Errorf("Нет mid-цены для %s", symbol))
	}
	return price, nil
}

// Asset возвращает параметры инструмента; universe загружается один раз.
func (c *Client) Asset(ctx context.Context, symbol string) (rest.Asset, error) {
	symbol = strings.ToUpper(symbol)

	c.mu.Lock()
	if asset, ok := c.assets[symbol]; ok {
		c.mu.Unlock()
		return asset, nil
	}
	c.mu.Unlock()

	assets, err := c.withRetryMeta(ctx)
	if err != nil {
		return rest.Asset{}, err
	}

	c.mu.Lock()
	c.assets = assets
	c.mu.Unlock()

	asset, ok := assets[symbol]
	if !ok {
		return rest.Asset{}, exchange.NewError("meta", exchange.KindTerminal, fmt.Errorf("Торговая пара не найдена: %s", symbol))
	}
	return asset, nil
}

func (c *Client) withRetryMeta(ctx context.Context) (map[string]rest.Asset, error) {
	var lastErr error
	backoff := 1 * time.Second
	for i := 0; i < 5; i++ {
		assets, err := c.rest.Meta(ctx)
		if err == nil {
			return assets, nil
		}
		lastErr = err
		if !exchange.IsRetryable(err) {
			return nil, err
		}
		wait := time.Duration(math.Min(float64(backoff), float64(30*time.Second)))
		if exchange.Classify(err) == exchange.KindRateLimited {
			wait = time.Duration(math.Min(float64(backoff*4), float64(30*time.Second)))
		}
		c.logEntry().WithError(lastErr).Warn("Ошибка, повторяем запрос.")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func (c *Client) logEntry() *logrus.Entry {
	return c.log.WithComponent("hyperliquid")
}
