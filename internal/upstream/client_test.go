package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"torn-market-watcher/internal/crypto"
	"torn-market-watcher/internal/keypool"
	"torn-market-watcher/internal/ratelimit"
	"torn-market-watcher/internal/storage"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef"

type fakeCredentialStore struct {
	mu      sync.Mutex
	secrets map[int64]string
	cleared []int64
}

func newFakeCredentialStore(t *testing.T, keys map[int64]string) *fakeCredentialStore {
	t.Helper()
	secrets := make(map[int64]string, len(keys))
	for accountID, key := range keys {
		enc, err := crypto.Encrypt(testEncryptionKey, key)
		if err != nil {
			t.Fatalf("encrypt fixture: %v", err)
		}
		secrets[accountID] = enc
	}
	return &fakeCredentialStore{secrets: secrets}
}

func (f *fakeCredentialStore) ListActiveCredentials(ctx context.Context) ([]storage.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]int64, 0, len(f.secrets))
	for id := range f.secrets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	creds := make([]storage.Credential, 0, len(ids))
	for _, id := range ids {
		creds = append(creds, storage.Credential{AccountID: id, EncryptedSecret: f.secrets[id]})
	}
	return creds, nil
}

func (f *fakeCredentialStore) ClearCredential(ctx context.Context, accountID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.secrets, accountID)
	f.cleared = append(f.cleared, accountID)
	return nil
}

func (f *fakeCredentialStore) clearedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cleared)
}

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (m *memCounter) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int64)
	}
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memCounter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func newTestClient(t *testing.T, baseURL string, keys map[int64]string) (*Client, *fakeCredentialStore, *keypool.Pool) {
	t.Helper()

	store := newFakeCredentialStore(t, keys)
	pool := keypool.New(store, keypool.Options{EncryptionKey: testEncryptionKey}, zerolog.Nop())
	if err := pool.Refresh(context.Background()); err != nil {
		t.Fatalf("pool refresh: %v", err)
	}

	limiter := ratelimit.New(&memCounter{}, "test", time.Minute, zerolog.Nop())
	limiter.SetLimit(ratelimit.GroupMarket, 1000)
	limiter.SetLimit(ratelimit.GroupBazaar, 1000)

	client := NewClient(Options{BaseURL: baseURL, Timeout: time.Second}, pool, limiter, zerolog.Nop())
	return client, store, pool
}

func TestFetchMarketSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/market/206" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") == "" {
			t.Fatal("request sent without a credential")
		}
		w.Write([]byte(`{
			"itemmarket": {
				"item": {"id": 206, "name": "Erotic DVD"},
				"listings": [{"id": 11, "price": 480000, "quantity": 2}]
			},
			"bazaar": []
		}`))
	}))
	defer srv.Close()

	client, _, _ := newTestClient(t, srv.URL, map[int64]string{1: "key-a"})

	snap, err := client.FetchMarketSnapshot(context.Background(), 206)
	if err != nil {
		t.Fatalf("FetchMarketSnapshot: %v", err)
	}
	if snap.ItemName != "Erotic DVD" {
		t.Fatalf("unexpected item name %q", snap.ItemName)
	}
	if len(snap.Market) != 1 || snap.Market[0].Price != 480000 || snap.Market[0].Quantity != 2 {
		t.Fatalf("unexpected market listings %+v", snap.Market)
	}
	if len(snap.Bazaar) != 0 {
		t.Fatalf("empty-array section should decode to no listings, got %+v", snap.Bazaar)
	}
}

func TestFetchItemCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items": {"206": {"name": "Erotic DVD", "type": "Other", "market_value": 500000}}}`))
	}))
	defer srv.Close()

	client, _, _ := newTestClient(t, srv.URL, map[int64]string{1: "key-a"})

	items, err := client.FetchItemCatalog(context.Background())
	if err != nil {
		t.Fatalf("FetchItemCatalog: %v", err)
	}
	item, ok := items[206]
	if !ok {
		t.Fatalf("item 206 missing from catalog %+v", items)
	}
	if item.ID != 206 || item.Name != "Erotic DVD" || item.MarketValue != 500000 {
		t.Fatalf("unexpected item %+v", item)
	}
}

func TestFetchUserBazaar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/user/77" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"bazaar": [{"id": 9, "price": 100, "quantity": 5, "user_id": 77}]}`))
	}))
	defer srv.Close()

	client, _, _ := newTestClient(t, srv.URL, map[int64]string{1: "key-a"})

	listings, err := client.FetchUserBazaar(context.Background(), 77)
	if err != nil {
		t.Fatalf("FetchUserBazaar: %v", err)
	}
	if len(listings) != 1 || listings[0].Price != 100 || listings[0].UserID != 77 {
		t.Fatalf("unexpected listings %+v", listings)
	}
}

func TestCredentialsRotateAcrossRequests(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.URL.Query().Get("key"))
		mu.Unlock()
		w.Write([]byte(`{"itemmarket": [], "bazaar": []}`))
	}))
	defer srv.Close()

	client, _, _ := newTestClient(t, srv.URL, map[int64]string{1: "key-a", 2: "key-b"})

	for i := 0; i < 4; i++ {
		if _, err := client.FetchMarketSnapshot(context.Background(), 206); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 4 {
		t.Fatalf("expected 4 requests, saw %d", len(seen))
	}
	if seen[0] == seen[1] {
		t.Fatalf("consecutive requests used the same credential: %v", seen)
	}
	if seen[0] != seen[2] || seen[1] != seen[3] {
		t.Fatalf("rotation is not round-robin: %v", seen)
	}
}

func TestRevokedCredentialIsRetired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": {"code": 2, "error": "Incorrect key"}}`))
	}))
	defer srv.Close()

	client, store, pool := newTestClient(t, srv.URL, map[int64]string{1: "revoked-key"})

	_, err := client.FetchMarketSnapshot(context.Background(), 206)
	if err == nil {
		t.Fatal("expected an error for the revoked credential")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 2 {
		t.Fatalf("expected APIError code 2, got %v", err)
	}

	// Retirement is asynchronous: the key is cleared at the store and the
	// pool refreshed without it.
	deadline := time.Now().Add(2 * time.Second)
	for store.clearedCount() == 0 || pool.Size() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("credential was not retired: cleared=%d size=%d", store.clearedCount(), pool.Size())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTransientErrorKeepsCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": {"code": 17, "error": "Backend error occurred"}}`))
	}))
	defer srv.Close()

	client, store, pool := newTestClient(t, srv.URL, map[int64]string{1: "key-a"})

	_, err := client.FetchMarketSnapshot(context.Background(), 206)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.CredentialFatal() {
		t.Fatalf("expected a non-fatal APIError, got %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if store.clearedCount() != 0 || pool.Size() != 1 {
		t.Fatalf("transient error must not retire the credential: cleared=%d size=%d", store.clearedCount(), pool.Size())
	}
}
