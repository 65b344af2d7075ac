package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"torn-market-watcher/internal/ratelimit"
	"torn-market-watcher/internal/upstream"
)

// Fetch runs an on-demand upstream probe: the current listings for one item,
// or one seller's open offers. Useful for checking credentials and limits
// without the long-running service.
func (a *App) Fetch(ctx context.Context, opts FetchOptions) error {
	if opts.ItemID <= 0 && opts.SellerID <= 0 {
		return errors.New("one of --item or --seller must be provided")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot load credentials")
	}
	if closeStore != nil {
		defer closeStore()
	}

	counter, err := ratelimit.NewRedisCounter(a.Config.Redis.URL)
	if err != nil {
		return err
	}
	defer counter.Close()

	pool := a.newKeyPool(store)
	if err := pool.Refresh(ctx); err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	a.Logger.Info().Int("credentials", pool.Size()).Msg("credential pool loaded")

	client := a.newUpstreamClient(pool, a.newLimiter(counter))

	if opts.SellerID > 0 {
		listings, err := client.FetchUserBazaar(ctx, opts.SellerID)
		if err != nil {
			return err
		}
		printListings(fmt.Sprintf("seller %d bazaar", opts.SellerID), listings)
		return nil
	}

	snap, err := client.FetchMarketSnapshot(ctx, opts.ItemID)
	if err != nil {
		return err
	}

	name := snap.ItemName
	if name == "" {
		name = fmt.Sprintf("Item %d", opts.ItemID)
	}
	printListings(name+" (market)", snap.Market)
	printListings(name+" (bazaar)", snap.Bazaar)
	return nil
}

func printListings(title string, listings []upstream.Listing) {
	fmt.Fprintf(os.Stdout, "%s: %d listing(s)\n", title, len(listings))
	if len(listings) == 0 {
		return
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tPrice\tQty\tSeller")
	for _, l := range listings {
		fmt.Fprintf(writer, "%d\t%d\t%d\t%d\n", l.ID, l.Price, l.Quantity, l.UserID)
	}
	writer.Flush()
}
