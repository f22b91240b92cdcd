package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gridbot/internal/exchange"

	"github.com/ethereum/go-ethereum/crypto"
)

var ErrNoSession = errors.New("нет активной сессии кошелька")

type Provider interface {
	GetActiveSession(ctx context.Context, userID string) (*Session, error)
}

// Session даёт движку адрес и возможность подписи, но не ключ.
type Session struct {
	userID  string
	address string
	expires atomic.Int64
	key     *ecdsa.PrivateKey
	now     func() time.Time
}

func (s *Session) UserID() string {
	return s.userID
}

func (s *Session) Address() string {
	return s.address
}

func (s *Session) ExpiresAt() time.Time {
	ns := s.expires.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Session) Expired() bool {
	expiresAt := s.ExpiresAt()
	return !expiresAt.IsZero() && !s.now().Before(expiresAt)
}

func (s *Session) Sign(digest []byte) ([]byte, error) {
	if s.Expired() {
		return nil, exchange.ErrSessionExpired
	}
	return crypto.Sign(digest, s.key)
}

type keyEntry struct {
	key *ecdsa.PrivateKey
	ttl time.Duration
}

// KeyProvider выдаёт сессии по ключам из конфигурации.
type KeyProvider struct {
	mu       sync.Mutex
	keys     map[string]keyEntry
	sessions map[string]*Session
	now      func() time.Time
}

func NewKeyProvider(now func() time.Time) *KeyProvider {
	if now == nil {
		now = time.Now
	}
	return &KeyProvider{
		keys:     map[string]keyEntry{},
		sessions: map[string]*Session{},
		now:      now,
	}
}

func (p *KeyProvider) Register(userID, hexKey string, ttl time.Duration) error {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return fmt.Errorf("Некорректный приватный ключ для %s: %w", userID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[userID] = keyEntry{key: key, ttl: ttl}
	delete(p.sessions, userID)
	return nil
}

func (p *KeyProvider) Revoke(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, userID)
	if s, ok := p.sessions[userID]; ok {
		s.expires.Store(p.now().UnixNano())
		delete(p.sessions, userID)
	}
}

func (p *KeyProvider) GetActiveSession(ctx context.Context, userID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[userID]; ok && !s.Expired() {
		return s, nil
	}

	entry, ok := p.keys[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, userID)
	}

	s := &Session{
		userID:  userID,
		address: strings.ToLower(crypto.PubkeyToAddress(entry.key.PublicKey).Hex()),
		key:     entry.key,
		now:     p.now,
	}
	if entry.ttl > 0 {
		s.expires.Store(p.now().Add(entry.ttl).UnixNano())
	}
	p.sessions[userID] = s
	return s, nil
}
