package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"torn-market-watcher/internal/keypool"
	"torn-market-watcher/internal/ratelimit"
)

const defaultBaseURL = "https://api.torn.com"

// API error codes that mean the credential itself is unusable and must be
// pulled from rotation rather than retried.
const (
	codeIncorrectKey  = 2
	codeOwnerInactive = 13
	codeKeyPaused     = 18
)

// APIError is the error envelope the upstream returns inside an HTTP 200.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Code, e.Message)
}

// CredentialFatal reports whether the error invalidates the credential that
// made the request.
func (e *APIError) CredentialFatal() bool {
	switch e.Code {
	case codeIncorrectKey, codeOwnerInactive, codeKeyPaused:
		return true
	}
	return false
}

// Options parameterise the upstream client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client calls the upstream REST API with credentials drawn from the
// rotating pool and pacing enforced by the shared limiter.
type Client struct {
	opts    Options
	pool    *keypool.Pool
	limiter *ratelimit.Limiter
	client  *http.Client
	logger  zerolog.Logger
	baseURL string
}

// NewClient constructs an upstream client.
func NewClient(opts Options, pool *keypool.Pool, limiter *ratelimit.Limiter, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		opts:    opts,
		pool:    pool,
		limiter: limiter,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "upstream").Logger(),
		baseURL: baseURL,
	}
}

// Item is a catalog entry.
type Item struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Circulation int64  `json:"circulation"`
	MarketValue int64  `json:"market_value"`
}

// Listing is a single sale offer.
type Listing struct {
	ID       int64 `json:"id"`
	Price    int64 `json:"price"`
	Quantity int64 `json:"quantity"`
	UserID   int64 `json:"user_id,omitempty"`
}

type marketSection struct {
	Item struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"item"`
	Listings []Listing `json:"listings"`
}

// UnmarshalJSON tolerates the upstream quirk of encoding an empty section
// as [] instead of an object.
func (s *marketSection) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		return nil
	}
	type alias marketSection
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = marketSection(a)
	return nil
}

// MarketSnapshot holds both listing feeds for one item.
type MarketSnapshot struct {
	ItemID   int64
	ItemName string
	Market   []Listing
	Bazaar   []Listing
}

// FetchItemCatalog retrieves the full item catalog.
func (c *Client) FetchItemCatalog(ctx context.Context) (map[int64]Item, error) {
	var payload struct {
		Items map[string]Item `json:"items"`
	}
	path := "/torn/?selections=items"
	if err := c.get(ctx, ratelimit.GroupMarket, path, &payload); err != nil {
		return nil, err
	}

	result := make(map[int64]Item, len(payload.Items))
	for idStr, item := range payload.Items {
		var id int64
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			continue
		}
		item.ID = id
		result[id] = item
	}

	c.logger.Info().Int("count", len(result)).Msg("fetched item catalog")
	return result, nil
}

// FetchMarketSnapshot retrieves the current market and bazaar listings for
// one item.
func (c *Client) FetchMarketSnapshot(ctx context.Context, itemID int64) (*MarketSnapshot, error) {
	var payload struct {
		ItemMarket *marketSection `json:"itemmarket,omitempty"`
		Bazaar     *marketSection `json:"bazaar,omitempty"`
	}
	path := fmt.Sprintf("/v2/market/%d?selections=itemmarket,bazaar", itemID)
	if err := c.get(ctx, ratelimit.GroupMarket, path, &payload); err != nil {
		return nil, err
	}

	snap := &MarketSnapshot{ItemID: itemID}
	if payload.ItemMarket != nil {
		snap.Market = payload.ItemMarket.Listings
		snap.ItemName = payload.ItemMarket.Item.Name
	}
	if payload.Bazaar != nil {
		snap.Bazaar = payload.Bazaar.Listings
		if snap.ItemName == "" {
			snap.ItemName = payload.Bazaar.Item.Name
		}
	}
	return snap, nil
}

// FetchUserBazaar retrieves a single seller's bazaar listings.
func (c *Client) FetchUserBazaar(ctx context.Context, userID int64) ([]Listing, error) {
	var payload struct {
		Bazaar []Listing `json:"bazaar"`
	}
	path := fmt.Sprintf("/v2/user/%d?selections=bazaar", userID)
	if err := c.get(ctx, ratelimit.GroupBazaar, path, &payload); err != nil {
		return nil, err
	}
	return payload.Bazaar, nil
}

// get runs one credentialed request: wait for a limiter slot, draw the next
// key, call, and decode. An upstream error envelope is surfaced as *APIError
// and, when credential-fatal, retires the key from rotation.
func (c *Client) get(ctx context.Context, group, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx, group); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	cred, err := c.pool.Next()
	if err != nil {
		return fmt.Errorf("acquire credential: %w", err)
	}

	url := c.baseURL + path + "&key=" + cred.Key
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.pool.RecordUsage(cred.Key, false)
		return fmt.Errorf("upstream request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.pool.RecordUsage(cred.Key, false)
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.pool.RecordUsage(cred.Key, false)
		return fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// Errors arrive inside an HTTP 200 payload.
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		c.pool.RecordUsage(cred.Key, false)
		if envelope.Error.CredentialFatal() {
			c.logger.Warn().
				Int("code", envelope.Error.Code).
				Int64("account_id", cred.AccountID).
				Msg("credential rejected by upstream, retiring it")
			c.pool.Disable(cred.Key)
		}
		return envelope.Error
	}

	c.pool.RecordUsage(cred.Key, true)
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
