package rest

import (
	"net/http"
	"strings"
	"time"

	"gridbot/internal/logger"

	"golang.org/x/time/rate"
)

func New(cfg Config, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimitRPS > 0 {
		limit = rate.Limit(cfg.RateLimitRPS)
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		mainnet: cfg.Mainnet,
		vault:   strings.ToLower(cfg.VaultAddress),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(limit, cfg.RateBurst),
		log:     log,
		now:     time.Now,
	}
}

// nextNonce: миллисекунды, строго возрастающие в пределах клиента.
func (c *Client) nextNonce() int64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	nonce := c.now().UnixMilli()
	if nonce <= c.lastNonce {
		nonce = c.lastNonce + 1
	}
	c.lastNonce = nonce
	return nonce
}
