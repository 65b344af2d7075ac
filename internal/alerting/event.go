package alerting

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// Price update sources.
const (
	SourceMarket = "market"
	SourceBazaar = "bazaar"
)

// Event is the internal, source-agnostic representation of one observed
// price point for one item. Produced by the feed subscriber and the polling
// producers; consumed exactly once by the engine.
type Event struct {
	ItemID    int64
	ItemName  string
	Price     int64
	Quantity  int64
	Source    string
	SellerID  int64
	ListingID int64
}

// Fingerprint returns a stable digest identifying this exact market
// observation. Pure function of the event fields; used for deduplication,
// not security.
func (e Event) Fingerprint() string {
	data := fmt.Sprintf("%d:%d:%d:%d", e.ItemID, e.Price, e.SellerID, e.ListingID)
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}

// ListingURL builds the deep link back to the listing.
func (e Event) ListingURL() string {
	if e.Source == SourceBazaar && e.SellerID > 0 {
		return fmt.Sprintf("https://www.torn.com/bazaar.php?userId=%d#/", e.SellerID)
	}
	return fmt.Sprintf("https://www.torn.com/page.php?sid=ItemMarket#/market/view=search&itemID=%d", e.ItemID)
}
