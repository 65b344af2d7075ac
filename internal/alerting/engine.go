package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"torn-market-watcher/internal/storage"
)

// Per-user settings consulted at dispatch time.
const (
	settingWebhookEnabled = "global_webhook_enabled"
	settingWebhookURL     = "discord_webhook_url"
	settingDMEnabled      = "discord_dm_enabled"
)

// UserSettings resolves per-user channel preferences.
type UserSettings interface {
	GetForUser(ctx context.Context, userID int64, key, defaultValue string) string
}

// Deps wires the engine's collaborators. AuditLog, Webhook, and DM are
// optional; a nil channel is simply skipped.
type Deps struct {
	Alerts   storage.AlertConfigStore
	States   storage.AlertStateStore
	AuditLog storage.AlertLogStore
	Settings UserSettings
	Webhook  WebhookSender
	DM       DirectMessenger
}

// Engine evaluates price-update events against user alert configurations,
// deduplicates against last-known state, and dispatches notifications.
type Engine struct {
	deps   Deps
	logger zerolog.Logger

	dispatching sync.WaitGroup
}

// NewEngine constructs the evaluation engine.
func NewEngine(deps Deps, logger zerolog.Logger) *Engine {
	return &Engine{
		deps:   deps,
		logger: logger.With().Str("component", "alert_engine").Logger(),
	}
}

// Evaluate is the sole entry point for price event producers. It returns
// once dedup state is persisted for every affected user; notification sends
// are detached and best-effort.
func (e *Engine) Evaluate(ctx context.Context, ev Event) error {
	hash := ev.Fingerprint()

	configs, err := e.deps.Alerts.ListAlertsForItem(ctx, ev.ItemID)
	if err != nil {
		return fmt.Errorf("list alerts for item %d: %w", ev.ItemID, err)
	}

	for _, cfg := range configs {
		state, err := e.deps.States.GetAlertState(ctx, ev.ItemID, cfg.UserID)
		hasState := err == nil
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.logger.Error().Err(err).Int64("item_id", ev.ItemID).Int64("user_id", cfg.UserID).
				Msg("failed to load alert state, skipping user")
			continue
		}

		// Identical observation to the one last evaluated: pure duplicate.
		if hasState && state.LastHash == hash {
			continue
		}

		reason, fired := e.checkConditions(cfg, ev, state, hasState)

		// State is updated whether or not a condition fired; the
		// percentage trigger compares against the previous observation,
		// not the previous alert.
		if err := e.deps.States.UpsertAlertState(ctx, ev.ItemID, cfg.UserID, ev.Price, hash); err != nil {
			e.logger.Error().Err(err).Int64("item_id", ev.ItemID).Int64("user_id", cfg.UserID).
				Msg("failed to update alert state")
		}

		if !fired {
			continue
		}

		e.logger.Info().
			Int64("item_id", ev.ItemID).
			Int64("user_id", cfg.UserID).
			Int64("price", ev.Price).
			Str("reason", reason).
			Msg("alert triggered")

		msg := Message{
			ItemID:   ev.ItemID,
			ItemName: ev.ItemName,
			Price:    ev.Price,
			Quantity: ev.Quantity,
			Source:   ev.Source,
			Reason:   reason,
			SellerID: ev.SellerID,
			URL:      ev.ListingURL(),
		}

		channels := e.enabledChannels(ctx, cfg)
		e.audit(ctx, ev, cfg.UserID, reason, channels)

		e.dispatching.Add(1)
		go func(cfg storage.AlertConfig, msg Message, channels []string) {
			defer e.dispatching.Done()
			e.dispatch(cfg, msg, channels)
		}(cfg, msg, channels)
	}

	return nil
}

// checkConditions applies trigger precedence: absolute upper, then absolute
// lower, then percentage change (which needs a prior observation). At most
// one condition fires.
func (e *Engine) checkConditions(cfg storage.AlertConfig, ev Event, state storage.AlertState, hasState bool) (string, bool) {
	if cfg.PriceAbove != nil && ev.Price >= *cfg.PriceAbove {
		return fmt.Sprintf("Price $%d is above threshold $%d", ev.Price, *cfg.PriceAbove), true
	}
	if cfg.PriceBelow != nil && ev.Price <= *cfg.PriceBelow {
		return fmt.Sprintf("Price $%d is below threshold $%d", ev.Price, *cfg.PriceBelow), true
	}
	if cfg.ChangePercent != nil && hasState && state.LastPrice > 0 {
		change := decimal.NewFromInt(ev.Price - state.LastPrice).
			Div(decimal.NewFromInt(state.LastPrice)).
			Mul(decimal.NewFromInt(100)).
			Abs()
		threshold := decimal.NewFromFloat(*cfg.ChangePercent)
		if change.GreaterThanOrEqual(threshold) {
			direction := "increased"
			if ev.Price < state.LastPrice {
				direction = "decreased"
			}
			return fmt.Sprintf("Price %s by %s%% (threshold: %s%%)",
				direction, change.StringFixed(1), threshold.StringFixed(1)), true
		}
	}
	return "", false
}

func (e *Engine) enabledChannels(ctx context.Context, cfg storage.AlertConfig) []string {
	var channels []string
	if e.deps.Webhook != nil &&
		e.deps.Settings.GetForUser(ctx, cfg.UserID, settingWebhookEnabled, "true") != "false" &&
		e.deps.Settings.GetForUser(ctx, cfg.UserID, settingWebhookURL, "") != "" {
		channels = append(channels, "webhook")
	}
	if e.deps.DM != nil &&
		e.deps.Settings.GetForUser(ctx, cfg.UserID, settingDMEnabled, "true") != "false" &&
		cfg.NotifyIdentity != nil && *cfg.NotifyIdentity != "" {
		channels = append(channels, "dm")
	}
	return channels
}

func (e *Engine) audit(ctx context.Context, ev Event, userID int64, reason string, channels []string) {
	if e.deps.AuditLog == nil {
		return
	}
	entry := storage.AlertLogEntry{
		ItemID:   ev.ItemID,
		UserID:   userID,
		Price:    ev.Price,
		Reason:   reason,
		Channels: channels,
	}
	if _, err := e.deps.AuditLog.InsertAlertLog(ctx, entry); err != nil {
		e.logger.Error().Err(err).Int64("item_id", ev.ItemID).Msg("failed to persist alert log entry")
	}
}

// dispatch fans out to the enabled channels. Each channel has its own error
// boundary: a failure is logged and never blocks or retries the other.
func (e *Engine) dispatch(cfg storage.AlertConfig, msg Message, channels []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, channel := range channels {
		switch channel {
		case "webhook":
			url := e.deps.Settings.GetForUser(ctx, cfg.UserID, settingWebhookURL, "")
			if url == "" {
				continue
			}
			if err := e.deps.Webhook.Send(ctx, url, msg); err != nil {
				e.logger.Error().Err(err).Int64("user_id", cfg.UserID).Msg("webhook delivery failed")
			}
		case "dm":
			if err := e.deps.DM.SendDM(ctx, *cfg.NotifyIdentity, msg); err != nil {
				e.logger.Error().Err(err).Int64("user_id", cfg.UserID).Msg("dm delivery failed")
			}
		}
	}
}
