package hyperliquid

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/logger"
	"gridbot/internal/models"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSigner struct {
	key     *ecdsa.PrivateKey
	expires time.Time
}

func (s *testSigner) Address() string      { return crypto.PubkeyToAddress(s.key.PublicKey).Hex() }
func (s *testSigner) ExpiresAt() time.Time { return s.expires }
func (s *testSigner) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, s.key)
}

func newSigner(t *testing.T, ttl time.Duration) *testSigner {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &testSigner{key: key, expires: time.Now().Add(ttl)}
}

type fakeExchange struct {
	metaCalls atomic.Int32
	lastAsset atomic.Int64
}

func (f *fakeExchange) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/info":
			switch body["type"] {
			case "meta":
				f.metaCalls.Add(1)
				_, _ = w.Write([]byte(`{"universe":[{"name":"BTC","szDecimals":5},{"name":"ETH","szDecimals":4}]}`))
			case "allMids":
				_, _ = w.Write([]byte(`{"BTC":"65000","ETH":"3000.5"}`))
			default:
				_, _ = w.Write([]byte(`{"status":"unknownOid"}`))
			}
		case "/exchange":
			action := body["action"].(map[string]any)
			order := action["orders"].([]any)[0].(map[string]any)
			f.lastAsset.Store(int64(order["a"].(float64)))
			_, _ = w.Write([]byte(`{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":555}}]}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestClient(t *testing.T) (*Client, *fakeExchange) {
	fake := &fakeExchange{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, WSURL: "ws://127.0.0.1:0"}, logger.Discard()), fake
}

func TestSnapshotPrice(t *testing.T) {
	c, _ := newTestClient(t)

	price, err := c.GetSnapshotPrice(context.Background(), "eth")
	require.NoError(t, err)
	assert.Equal(t, 3000.5, price)

	_, err = c.GetSnapshotPrice(context.Background(), "DOGE")
	require.Error(t, err)
	assert.Equal(t, exchange.KindTerminal, exchange.Classify(err))
}

func TestGatewayPlaceOrderUsesAssetIndex(t *testing.T) {
	c, fake := newTestClient(t)
	gw := c.Bind(newSigner(t, time.Hour))

	intent := models.NewLimitIntent("ETH", models.SideBuy, 2999, 0.01, models.TifGtc, "0x0123456789abcdef0123456789abcdef")
	oid, err := gw.PlaceOrder(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, int64(555), oid)
	assert.Equal(t, int64(1), fake.lastAsset.Load())

	_, err = gw.PlaceOrder(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fake.metaCalls.Load())
}

func TestGatewayRejectsExpiredSession(t *testing.T) {
	c, _ := newTestClient(t)
	gw := c.Bind(newSigner(t, -time.Minute))

	intent := models.NewLimitIntent("ETH", models.SideBuy, 2999, 0.01, models.TifGtc, "")
	_, err := gw.PlaceOrder(context.Background(), intent)
	assert.ErrorIs(t, err, exchange.ErrSessionExpired)

	err = gw.CancelOrder(context.Background(), "ETH", 1)
	assert.Equal(t, exchange.KindSessionExpired, exchange.Classify(err))
}

func TestGatewayUnknownSymbol(t *testing.T) {
	c, _ := newTestClient(t)
	gw := c.Bind(newSigner(t, time.Hour))

	_, err := gw.PlaceOrder(context.Background(), models.NewLimitIntent("DOGE", models.SideBuy, 1, 1, models.TifGtc, ""))
	require.Error(t, err)
	assert.Equal(t, exchange.KindTerminal, exchange.Classify(err))
}

func TestGatewayOrderStatusUnknown(t *testing.T) {
	c, _ := newTestClient(t)
	gw := c.Bind(newSigner(t, time.Hour))

	st, err := gw.GetOrderStatus(context.Background(), "ETH", exchange.OrderQuery{ClientKey: "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusUnknown, st.Status)
}
