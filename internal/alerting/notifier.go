package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// Message carries the rendered alert payload for every channel.
type Message struct {
	ItemID   int64
	ItemName string
	Price    int64
	Quantity int64
	Source   string
	Reason   string
	SellerID int64
	URL      string
}

// WebhookSender posts a rich message to a user-configured webhook URL.
type WebhookSender interface {
	Send(ctx context.Context, url string, msg Message) error
}

// DirectMessenger delivers a rich message to a linked external identity.
type DirectMessenger interface {
	SendDM(ctx context.Context, recipientID string, msg Message) error
}

// WebhookNotifier posts Discord-compatible webhook payloads over HTTP.
type WebhookNotifier struct {
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier constructs a webhook channel.
func NewWebhookNotifier(timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_webhook").Logger(),
	}
}

// Send posts the message; any non-2xx response is an error.
func (n *WebhookNotifier) Send(ctx context.Context, url string, msg Message) error {
	payload := map[string]interface{}{
		"content": fmt.Sprintf("🚨 **%s** - Price: $%d, Qty: %d", msg.ItemName, msg.Price, msg.Quantity),
		"embeds":  []interface{}{embedMap(msg)},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	n.logger.Debug().Int64("item_id", msg.ItemID).Msg("webhook alert delivered")
	return nil
}

func embedMap(msg Message) map[string]interface{} {
	fields := []map[string]interface{}{
		{"name": "Price", "value": fmt.Sprintf("$%d", msg.Price), "inline": true},
		{"name": "Quantity", "value": fmt.Sprintf("%d", msg.Quantity), "inline": true},
		{"name": "Source", "value": msg.Source, "inline": true},
		{"name": "Trigger", "value": msg.Reason, "inline": false},
	}
	if msg.SellerID > 0 {
		fields = append(fields, map[string]interface{}{
			"name":   "Seller ID",
			"value":  fmt.Sprintf("[%d](https://www.torn.com/profiles.php?XID=%d)", msg.SellerID, msg.SellerID),
			"inline": true,
		})
	}

	return map[string]interface{}{
		"title":     fmt.Sprintf("🚨 Price Alert: %s", msg.ItemName),
		"url":       msg.URL,
		"color":     0xFFA500,
		"fields":    fields,
		"footer":    map[string]interface{}{"text": "Torn Market Watcher"},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

// DiscordNotifier delivers alerts as direct messages through a bot session.
type DiscordNotifier struct {
	session *discordgo.Session
	logger  zerolog.Logger
}

// NewDiscordNotifier constructs the DM channel from a bot token.
func NewDiscordNotifier(botToken string, logger zerolog.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordNotifier{
		session: session,
		logger:  logger.With().Str("component", "alert_dm").Logger(),
	}, nil
}

// SendDM opens (or reuses) the recipient's DM channel and sends the alert.
func (n *DiscordNotifier) SendDM(ctx context.Context, recipientID string, msg Message) error {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Price", Value: fmt.Sprintf("$%d", msg.Price), Inline: true},
		{Name: "Quantity", Value: fmt.Sprintf("%d", msg.Quantity), Inline: true},
		{Name: "Source", Value: msg.Source, Inline: true},
		{Name: "Trigger", Value: msg.Reason, Inline: false},
	}
	if msg.SellerID > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Seller ID",
			Value:  fmt.Sprintf("[%d](https://www.torn.com/profiles.php?XID=%d)", msg.SellerID, msg.SellerID),
			Inline: true,
		})
	}

	embed := &discordgo.MessageEmbed{
		Title:     fmt.Sprintf("🚨 Price Alert: %s", msg.ItemName),
		URL:       msg.URL,
		Color:     0xFFA500,
		Fields:    fields,
		Footer:    &discordgo.MessageEmbedFooter{Text: "Torn Market Watcher"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	channel, err := n.session.UserChannelCreate(recipientID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("create dm channel: %w", err)
	}

	content := fmt.Sprintf("🚨 **%s** - Price: $%d, Qty: %d", msg.ItemName, msg.Price, msg.Quantity)
	_, err = n.session.ChannelMessageSendComplex(channel.ID, &discordgo.MessageSend{
		Content: content,
		Embeds:  []*discordgo.MessageEmbed{embed},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("send dm: %w", err)
	}
	return nil
}

var (
	_ WebhookSender   = (*WebhookNotifier)(nil)
	_ DirectMessenger = (*DiscordNotifier)(nil)
)
