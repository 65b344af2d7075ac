package keypool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"torn-market-watcher/internal/crypto"
	"torn-market-watcher/internal/storage"
)

// ErrPoolExhausted signals that no usable credential is currently loaded.
// Callers should back off instead of retrying in a tight loop.
var ErrPoolExhausted = errors.New("keypool: no credentials available")

// Credential is one decrypted upstream secret handed out by the pool.
type Credential struct {
	Key       string
	AccountID int64
}

// snapshot is an immutable view of the pool. It is replaced wholesale on
// refresh so readers mid-rotation never observe a partial update.
type snapshot struct {
	creds   []Credential
	byKey   map[string]int64
	loaded  time.Time
	skipped int
}

// Options tune pool construction.
type Options struct {
	EncryptionKey   string
	RefreshInterval time.Duration
}

// Pool maintains the in-memory, round-robin credential rotation.
// The credential store remains the source of truth; the pool is a cache.
type Pool struct {
	store  storage.CredentialStore
	opts   Options
	logger zerolog.Logger

	snap   atomic.Pointer[snapshot]
	cursor atomic.Uint64
}

// New constructs an empty pool. Call Refresh or Run to load credentials.
func New(store storage.CredentialStore, opts Options, logger zerolog.Logger) *Pool {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	p := &Pool{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "keypool").Logger(),
	}
	p.snap.Store(&snapshot{byKey: map[string]int64{}})
	return p
}

// Refresh loads and decrypts all active credentials and swaps in a new
// snapshot. A credential that fails to decrypt is skipped, not fatal.
func (p *Pool) Refresh(ctx context.Context) error {
	records, err := p.store.ListActiveCredentials(ctx)
	if err != nil {
		return err
	}

	next := &snapshot{
		creds:  make([]Credential, 0, len(records)),
		byKey:  make(map[string]int64, len(records)),
		loaded: time.Now().UTC(),
	}

	for _, rec := range records {
		plain, err := crypto.Decrypt(p.opts.EncryptionKey, rec.EncryptedSecret)
		if err != nil {
			next.skipped++
			p.logger.Error().Err(err).Int64("account_id", rec.AccountID).Msg("failed to decrypt credential, skipping")
			continue
		}
		if plain == "" {
			continue
		}
		next.creds = append(next.creds, Credential{Key: plain, AccountID: rec.AccountID})
		next.byKey[plain] = rec.AccountID
	}

	p.snap.Store(next)
	p.logger.Info().Int("count", len(next.creds)).Int("skipped", next.skipped).Msg("credential pool refreshed")
	return nil
}

// Run refreshes once at startup and then on a fixed interval until ctx ends.
func (p *Pool) Run(ctx context.Context) {
	if err := p.Refresh(ctx); err != nil {
		p.logger.Error().Err(err).Msg("initial credential refresh failed")
	}

	ticker := time.NewTicker(p.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.logger.Error().Err(err).Msg("credential refresh failed")
			}
		}
	}
}

// Next hands out one credential round-robin. It never blocks.
func (p *Pool) Next() (Credential, error) {
	snap := p.snap.Load()
	if len(snap.creds) == 0 {
		return Credential{}, ErrPoolExhausted
	}
	idx := p.cursor.Add(1) - 1
	return snap.creds[idx%uint64(len(snap.creds))], nil
}

// Size reports the number of currently loaded credentials.
func (p *Pool) Size() int {
	return len(p.snap.Load().creds)
}

// RecordUsage is fire-and-forget bookkeeping for a handed-out credential.
func (p *Pool) RecordUsage(key string, success bool) {
	if success {
		return
	}
	if accountID, ok := p.snap.Load().byKey[key]; ok {
		p.logger.Warn().Int64("account_id", accountID).Msg("credential usage failed")
	}
}

// Disable clears a credential at its source of truth and refreshes the pool.
// Meant for upstream revocations, not transient errors. Runs asynchronously.
func (p *Pool) Disable(key string) {
	accountID, ok := p.snap.Load().byKey[key]
	if !ok {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := p.store.ClearCredential(ctx, accountID); err != nil {
			p.logger.Error().Err(err).Int64("account_id", accountID).Msg("failed to clear revoked credential")
			return
		}
		p.logger.Warn().Int64("account_id", accountID).Msg("credential disabled after upstream revocation")

		if err := p.Refresh(ctx); err != nil {
			p.logger.Error().Err(err).Msg("refresh after disable failed")
		}
	}()
}
