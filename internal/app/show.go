package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"torn-market-watcher/internal/storage"
)

type priceLister interface {
	ListRecentPrices(ctx context.Context, limit int) ([]storage.PriceObservation, error)
}

type alertLogLister interface {
	ListRecentAlertLogs(ctx context.Context, limit int) ([]storage.AlertLogEntry, error)
}

// Show prints recent price observations, or the alert log with opts.Alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show data")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Alerts {
		return a.showAlerts(ctx, store, opts.Limit)
	}
	return a.showPrices(ctx, store, opts.Limit)
}

func (a *App) showPrices(ctx context.Context, store priceLister, limit int) error {
	observations, err := store.ListRecentPrices(ctx, limit)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		fmt.Fprintln(os.Stdout, "no price observations found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tItem\tName\tPrice\tQty\tSource")

	for _, obs := range observations {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%d\t%d\t%s\n",
			obs.Time.UTC().Format(time.RFC3339),
			obs.ItemID,
			sanitizeInline(obs.ItemName),
			obs.Price,
			obs.Quantity,
			obs.Source,
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showAlerts(ctx context.Context, store alertLogLister, limit int) error {
	entries, err := store.ListRecentAlertLogs(ctx, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts recorded")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tItem\tUser\tPrice\tChannels\tReason")

	for _, entry := range entries {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%d\t%d\t%s\t%s\n",
			entry.CreatedAt.UTC().Format(time.RFC3339),
			entry.ItemID,
			entry.UserID,
			entry.Price,
			strings.Join(entry.Channels, ","),
			sanitizeInline(entry.Reason),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
