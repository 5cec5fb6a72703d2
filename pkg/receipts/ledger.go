package receipts

import (
	"context"
	"fmt"
	"time"

	"github.com/bitechdev/ChatMux/pkg/cache"
	"github.com/bitechdev/ChatMux/pkg/chat"
	"github.com/bitechdev/ChatMux/pkg/logger"
)

const defaultLedgerTTL = 24 * time.Hour

// Ledger remembers which (room, message) receipts were already issued so
// each one is sent at most once. Backed by a shared cache it also
// deduplicates across processes acting for the same user.
type Ledger struct {
	store  cache.Provider
	userID string
	ttl    time.Duration
}

// NewLedger wraps store. A nil store uses a process-local memory cache.
func NewLedger(store cache.Provider, userID string, ttl time.Duration) *Ledger {
	if store == nil {
		store = cache.NewMemoryProvider(nil)
	}
	if ttl <= 0 {
		ttl = defaultLedgerTTL
	}
	return &Ledger{store: store, userID: userID, ttl: ttl}
}

func (l *Ledger) key(room chat.RoomID, messageID string) string {
	return fmt.Sprintf("%s:%s:%s", l.userID, room, messageID)
}

// Claim reports whether the caller is the first to claim the receipt. If
// the store is unreachable the claim is granted; the history service
// treats repeated receipts as no-ops.
func (l *Ledger) Claim(ctx context.Context, room chat.RoomID, messageID string) bool {
	ok, err := l.store.SetIfAbsent(ctx, l.key(room, messageID), []byte(time.Now().UTC().Format(time.RFC3339)), l.ttl)
	if err != nil {
		logger.Warn("[Receipts] Ledger unavailable, sending receipt for %s/%s anyway: %v", room, messageID, err)
		return true
	}
	return ok
}

// Forget releases a claim so a later frame can retry the receipt.
func (l *Ledger) Forget(ctx context.Context, room chat.RoomID, messageID string) {
	if err := l.store.Delete(ctx, l.key(room, messageID)); err != nil {
		logger.Debug("[Receipts] Failed to forget receipt %s/%s: %v", room, messageID, err)
	}
}

// Claimed reports whether a receipt is on record.
func (l *Ledger) Claimed(ctx context.Context, room chat.RoomID, messageID string) bool {
	return l.store.Exists(ctx, l.key(room, messageID))
}

func (l *Ledger) Close() error {
	return l.store.Close()
}
