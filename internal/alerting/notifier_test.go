package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testMessage() Message {
	return Message{
		ItemID:   206,
		ItemName: "Erotic DVD",
		Price:    480000,
		Quantity: 1,
		Source:   SourceBazaar,
		Reason:   "Price $480000 is below threshold $500000",
		SellerID: 77,
		URL:      "https://www.torn.com/bazaar.php?userId=77#/",
	}
}

func TestWebhookNotifierSuccess(t *testing.T) {
	var received map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("unexpected content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(time.Second, zerolog.Nop())
	if err := n.Send(context.Background(), srv.URL, testMessage()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var content string
	if err := json.Unmarshal(received["content"], &content); err != nil {
		t.Fatalf("content missing: %v", err)
	}
	if !strings.Contains(content, "Erotic DVD") || !strings.Contains(content, "$480000") {
		t.Fatalf("unexpected content %q", content)
	}
	if _, ok := received["embeds"]; !ok {
		t.Fatal("payload should carry embeds")
	}
}

func TestWebhookNotifierHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(time.Second, zerolog.Nop())
	if err := n.Send(context.Background(), srv.URL, testMessage()); err == nil {
		t.Fatal("non-2xx response must be an error")
	}
}

func TestWebhookNotifierUnreachable(t *testing.T) {
	n := NewWebhookNotifier(200*time.Millisecond, zerolog.Nop())
	if err := n.Send(context.Background(), "http://127.0.0.1:1/hook", testMessage()); err == nil {
		t.Fatal("unreachable endpoint must be an error")
	}
}

func TestNewDiscordNotifier(t *testing.T) {
	n, err := NewDiscordNotifier("test-token", zerolog.Nop())
	if err != nil {
		t.Fatalf("constructing the notifier must not hit the network: %v", err)
	}
	if n.session == nil {
		t.Fatal("session not initialised")
	}
}
