package feed

import (
	"encoding/json"
	"fmt"
)

// Outbound envelopes. The channel protocol is Centrifugo-flavoured: one
// connect frame carrying the feed token, then one subscribe frame per
// item channel.

type connectRequest struct {
	Connect connectParams `json:"connect"`
	ID      int64         `json:"id"`
}

type connectParams struct {
	Token string `json:"token"`
	Name  string `json:"name"`
}

type subscribeRequest struct {
	Subscribe subscribeParams `json:"subscribe"`
	ID        int64           `json:"id"`
}

type subscribeParams struct {
	Channel string `json:"channel"`
}

func newConnectRequest(token string) connectRequest {
	return connectRequest{Connect: connectParams{Token: token, Name: "js"}, ID: 1}
}

func newSubscribeRequest(itemID int64) subscribeRequest {
	return subscribeRequest{
		Subscribe: subscribeParams{Channel: itemChannel(itemID)},
		ID:        itemID + 1000,
	}
}

func itemChannel(itemID int64) string {
	return fmt.Sprintf("item-market_%d", itemID)
}

// Inbound envelopes. Frames without a nested publish structure are
// protocol control traffic and are ignored.

type serverEnvelope struct {
	ID    int64         `json:"id,omitempty"`
	Error *serverError  `json:"error,omitempty"`
	Push  *pushEnvelope `json:"push,omitempty"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *serverError) String() string {
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

type pushEnvelope struct {
	Channel string       `json:"channel"`
	Pub     *publication `json:"pub"`
}

type publication struct {
	Data publicationData `json:"data"`
}

type publicationData struct {
	Message pushMessage `json:"message"`
}

type pushMessage struct {
	Namespace string            `json:"namespace"`
	Action    string            `json:"action"`
	Data      []json.RawMessage `json:"data"`
}

// priceRecord is one per-item update inside a publish batch.
type priceRecord struct {
	ItemID   int64  `json:"itemID"`
	MinPrice int64  `json:"minPrice"`
	Quantity *int64 `json:"quantity"`
}
