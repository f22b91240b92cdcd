package ws

import (
	"encoding/json"
	"sync"
	"time"

	"gridbot/internal/logger"

	"github.com/gorilla/websocket"
)

type Client struct {
	url          string
	log          *logger.Logger
	conn         *websocket.Conn
	writeMu      sync.Mutex
	subscription Subscription
	reconnectMin time.Duration
	reconnectMax time.Duration
	pingInterval time.Duration
}

type Message struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type SubscribeMessage struct {
	Method       string        `json:"method"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

type Subscription struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

type midsData struct {
	Mids map[string]string `json:"mids"`
}

type userFillsData struct {
	IsSnapshot bool       `json:"isSnapshot"`
	User       string     `json:"user"`
	Fills      []fillWire `json:"fills"`
}

type fillWire struct {
	Coin  string `json:"coin"`
	Px    string `json:"px"`
	Sz    string `json:"sz"`
	Side  string `json:"side"`
	Time  int64  `json:"time"`
	Oid   int64  `json:"oid"`
	Tid   int64  `json:"tid"`
	Hash  string `json:"hash"`
	Cloid string `json:"cloid"`
}
