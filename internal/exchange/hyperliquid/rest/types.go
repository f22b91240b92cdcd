package rest

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"gridbot/internal/logger"

	"golang.org/x/time/rate"
)

type Client struct {
	baseURL    string
	mainnet    bool
	vault      string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Logger

	nonceMu   sync.Mutex
	lastNonce int64
	now       func() time.Time
}

type Config struct {
	BaseURL      string
	Mainnet      bool
	VaultAddress string
	Timeout      time.Duration
	RateLimitRPS float64
	RateBurst    int
}

// Asset: инструмент бессрочного рынка: индекс в universe и точность размера.
type Asset struct {
	Name       string
	Index      int
	SzDecimals int
}

type exchangeRequest struct {
	Action       any       `json:"action"`
	Nonce        int64     `json:"nonce"`
	Signature    Signature `json:"signature"`
	VaultAddress *string   `json:"vaultAddress"`
}

type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V byte   `json:"v"`
}

// Порядок полей важен: по нему считается msgpack-хеш действия.
type orderAction struct {
	Type     string      `json:"type" msgpack:"type"`
	Orders   []orderWire `json:"orders" msgpack:"orders"`
	Grouping string      `json:"grouping" msgpack:"grouping"`
}

type orderWire struct {
	Asset      int           `json:"a" msgpack:"a"`
	IsBuy      bool          `json:"b" msgpack:"b"`
	LimitPx    string        `json:"p" msgpack:"p"`
	Size       string        `json:"s" msgpack:"s"`
	ReduceOnly bool          `json:"r" msgpack:"r"`
	OrderType  orderTypeWire `json:"t" msgpack:"t"`
	Cloid      string        `json:"c,omitempty" msgpack:"c,omitempty"`
}

type orderTypeWire struct {
	Limit *limitWire `json:"limit,omitempty" msgpack:"limit,omitempty"`
}

type limitWire struct {
	Tif string `json:"tif" msgpack:"tif"`
}

type cancelAction struct {
	Type    string       `json:"type" msgpack:"type"`
	Cancels []cancelWire `json:"cancels" msgpack:"cancels"`
}

type cancelWire struct {
	Asset int   `json:"a" msgpack:"a"`
	Oid   int64 `json:"o" msgpack:"o"`
}

type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type statusesResponse struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

type actionStatus struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting"`
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		Oid     int64  `json:"oid"`
	} `json:"filled"`
	Error string `json:"error"`
}

type metaResponse struct {
	Universe []struct {
		Name       string `json:"name"`
		SzDecimals int    `json:"szDecimals"`
	} `json:"universe"`
}

type orderStatusResponse struct {
	Status string `json:"status"`
	Order  *struct {
		Order struct {
			Coin    string `json:"coin"`
			Side    string `json:"side"`
			LimitPx string `json:"limitPx"`
			Sz      string `json:"sz"`
			Oid     int64  `json:"oid"`
			OrigSz  string `json:"origSz"`
			Cloid   string `json:"cloid"`
		} `json:"order"`
		Status string `json:"status"`
	} `json:"order"`
}

type clearinghouseResponse struct {
	MarginSummary struct {
		AccountValue    string `json:"accountValue"`
		TotalMarginUsed string `json:"totalMarginUsed"`
	} `json:"marginSummary"`
}
