package keypool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"torn-market-watcher/internal/crypto"
	"torn-market-watcher/internal/storage"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef"

type fakeCredentialStore struct {
	mu      sync.Mutex
	creds   map[int64]string
	cleared chan int64
	listErr error
}

func newFakeCredentialStore(t *testing.T, plaintextByAccount map[int64]string) *fakeCredentialStore {
	t.Helper()
	store := &fakeCredentialStore{
		creds:   make(map[int64]string, len(plaintextByAccount)),
		cleared: make(chan int64, 8),
	}
	for id, plain := range plaintextByAccount {
		enc, err := crypto.Encrypt(testEncryptionKey, plain)
		if err != nil {
			t.Fatalf("encrypt fixture: %v", err)
		}
		store.creds[id] = enc
	}
	return store
}

func (f *fakeCredentialStore) ListActiveCredentials(ctx context.Context) ([]storage.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]storage.Credential, 0, len(f.creds))
	// Deterministic order keeps the distribution assertions simple.
	for _, id := range []int64{1, 2, 3, 4, 5} {
		if enc, ok := f.creds[id]; ok {
			out = append(out, storage.Credential{AccountID: id, EncryptedSecret: enc})
		}
	}
	return out, nil
}

func (f *fakeCredentialStore) ClearCredential(ctx context.Context, accountID int64) error {
	f.mu.Lock()
	delete(f.creds, accountID)
	f.mu.Unlock()
	f.cleared <- accountID
	return nil
}

func newTestPool(store storage.CredentialStore) *Pool {
	return New(store, Options{EncryptionKey: testEncryptionKey, RefreshInterval: time.Minute}, zerolog.Nop())
}

func TestNextOnEmptyPool(t *testing.T) {
	pool := newTestPool(newFakeCredentialStore(t, nil))
	if _, err := pool.Next(); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
}

func TestNextDistributesEvenly(t *testing.T) {
	store := newFakeCredentialStore(t, map[int64]string{1: "keyA", 2: "keyB", 3: "keyC"})
	pool := newTestPool(store)
	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	const calls = 100
	counts := make(map[string]int)
	for i := 0; i < calls; i++ {
		cred, err := pool.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		counts[cred.Key]++
	}

	if len(counts) != 3 {
		t.Fatalf("expected all 3 keys in rotation, got %v", counts)
	}
	for key, n := range counts {
		if n < calls/3 || n > calls/3+1 {
			t.Fatalf("uneven distribution for %s: %d of %d", key, n, calls)
		}
	}
}

func TestRefreshSkipsUndecryptableCredential(t *testing.T) {
	store := newFakeCredentialStore(t, map[int64]string{1: "keyA", 3: "keyC"})
	store.creds[2] = "bm90LWEtdmFsaWQtY2lwaGVydGV4dA==" // valid base64, not a valid ciphertext
	pool := newTestPool(store)

	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh should not fail on a single bad credential: %v", err)
	}
	if pool.Size() != 2 {
		t.Fatalf("expected 2 usable credentials, got %d", pool.Size())
	}
}

func TestDisableRemovesCredentialAfterRefresh(t *testing.T) {
	store := newFakeCredentialStore(t, map[int64]string{1: "keyA", 2: "keyB", 3: "keyC"})
	pool := newTestPool(store)
	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	pool.Disable("keyB")

	select {
	case cleared := <-store.cleared:
		if cleared != 2 {
			t.Fatalf("expected account 2 cleared, got %d", cleared)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for credential clear")
	}

	// Disable refreshes asynchronously as well; force a deterministic one.
	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	counts := make(map[string]int)
	for i := 0; i < 100; i++ {
		cred, err := pool.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		counts[cred.Key]++
	}

	if counts["keyB"] != 0 {
		t.Fatalf("disabled key still in rotation: %v", counts)
	}
	if counts["keyA"] == 0 || counts["keyC"] == 0 {
		t.Fatalf("remaining keys should both rotate: %v", counts)
	}
	if counts["keyA"] != 50 || counts["keyC"] != 50 {
		t.Fatalf("expected 50/50 split, got %v", counts)
	}
}

func TestRefreshErrorKeepsOldSnapshot(t *testing.T) {
	store := newFakeCredentialStore(t, map[int64]string{1: "keyA"})
	pool := newTestPool(store)
	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	store.mu.Lock()
	store.listErr = errors.New("db down")
	store.mu.Unlock()

	if err := pool.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if _, err := pool.Next(); err != nil {
		t.Fatalf("old snapshot should survive a failed refresh: %v", err)
	}
}
