package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"torn-market-watcher/internal/storage"
)

// Export renders one item's price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.ItemID <= 0 {
		return errors.New("--item must be provided")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	observations, err := store.ListPricesBetween(ctx, opts.ItemID, from, to, opts.MaxPoints)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		a.Logger.Info().Int64("item_id", opts.ItemID).Msg("no observations found for export window")
		return nil
	}

	downsampled := downsampleObservations(observations, opts.MaxPoints)
	a.Logger.Info().
		Int("total", len(observations)).
		Int("exported", len(downsampled)).
		Int64("item_id", opts.ItemID).
		Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeObservationsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeObservationsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleObservations(observations []storage.PriceObservation, max int) []storage.PriceObservation {
	if max <= 0 || len(observations) <= max {
		return observations
	}

	result := make([]storage.PriceObservation, 0, max)
	step := float64(len(observations)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(observations) {
			idx = len(observations) - 1
		}
		result = append(result, observations[idx])
	}
	return result
}

func writeObservationsCSV(path string, observations []storage.PriceObservation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"time", "item_id", "item_name", "price", "quantity", "source"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, obs := range observations {
		record := []string{
			obs.Time.UTC().Format(time.RFC3339),
			strconv.FormatInt(obs.ItemID, 10),
			obs.ItemName,
			strconv.FormatInt(obs.Price, 10),
			strconv.FormatInt(obs.Quantity, 10),
			obs.Source,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeObservationsPNG(path string, observations []storage.PriceObservation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(observations))
	prices := make([]float64, len(observations))
	quantities := make([]float64, len(observations))

	for i, obs := range observations {
		x[i] = obs.Time
		prices[i] = float64(obs.Price)
		quantities[i] = float64(obs.Quantity)
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Lowest price ($)",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Quantity",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: prices,
			},
			chart.TimeSeries{
				Name:    "Quantity",
				XValues: x,
				YValues: quantities,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
