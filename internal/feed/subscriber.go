package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"torn-market-watcher/internal/alerting"
	"torn-market-watcher/internal/storage"
)

const (
	maxMessageSize     = 512 * 1024
	readDeadline       = 60 * time.Second
	subscribePaceEvery = 10
	subscribePaceDelay = 100 * time.Millisecond
)

// State is the connection lifecycle position, exposed for observability.
type State int32

// Connection states. Any error from Streaming tears the machine back to
// Disconnected and the outer loop schedules a fresh attempt.
const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribing
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// Evaluator consumes the price-update events produced by the feed.
type Evaluator interface {
	Evaluate(ctx context.Context, ev alerting.Event) error
}

// Options tune the subscription connection.
type Options struct {
	URL            string
	Token          string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	ResyncInterval time.Duration
}

// Subscriber owns the single long-lived push connection: it authenticates,
// subscribes to per-item channels, keeps the connection alive, reconnects
// on failure, and turns inbound publish batches into events.
type Subscriber struct {
	opts      Options
	watchlist storage.WatchlistStore
	items     storage.ItemStore
	prices    storage.PriceHistoryStore
	engine    Evaluator
	logger    zerolog.Logger
	dialer    *websocket.Dialer

	state atomic.Int32

	// conn and subscribed are scoped to one connection's lifetime. The
	// mutex serialises writers (auth, subscribe, ping) against teardown;
	// reads happen only on the owning goroutine.
	mu         sync.Mutex
	conn       *websocket.Conn
	subscribed map[int64]bool
}

// New constructs a Subscriber. prices may be nil to skip persistence.
func New(opts Options, watchlist storage.WatchlistStore, items storage.ItemStore, prices storage.PriceHistoryStore, engine Evaluator, logger zerolog.Logger) *Subscriber {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 50 * time.Second
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = 60 * time.Second
	}
	return &Subscriber{
		opts:       opts,
		watchlist:  watchlist,
		items:      items,
		prices:     prices,
		engine:     engine,
		logger:     logger.With().Str("component", "feed").Logger(),
		dialer:     websocket.DefaultDialer,
		subscribed: make(map[int64]bool),
	}
}

// State reports the current connection state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

func (s *Subscriber) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Debug().Stringer("from", prev).Stringer("to", next).Msg("feed state changed")
	}
}

// Run keeps one live connection for the lifetime of ctx, waiting a fixed
// delay between attempts. This is the only retry policy in the component.
func (s *Subscriber) Run(ctx context.Context) {
	s.logger.Info().Str("url", s.opts.URL).Msg("starting feed subscriber")

	for {
		if err := s.runConnection(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Dur("retry_in", s.opts.ReconnectDelay).Msg("feed connection lost")
		}
		s.setState(StateDisconnected)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.ReconnectDelay):
		}
	}
}

// runConnection drives one full connection lifecycle from dialing through
// authentication and subscription to the blocking read loop.
func (s *Subscriber) runConnection(ctx context.Context) error {
	if s.opts.Token == "" {
		return errors.New("feed token not configured")
	}

	s.setState(StateConnecting)
	conn, _, err := s.dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.subscribed = make(map[int64]bool)
	s.mu.Unlock()
	defer s.teardown()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	s.setState(StateAuthenticating)
	if err := s.writeJSON(newConnectRequest(s.opts.Token)); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var reply serverEnvelope
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	if reply.Error != nil {
		return fmt.Errorf("authentication rejected: %s", reply.Error)
	}
	s.logger.Info().Msg("feed authenticated")

	s.setState(StateSubscribing)
	if err := s.subscribeWatched(connCtx); err != nil {
		// Resync will catch up; the connection itself is still good.
		s.logger.Error().Err(err).Msg("initial subscription pass failed")
	}

	go s.pingLoop(connCtx, conn)
	go s.resyncLoop(connCtx)

	s.setState(StateStreaming)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var env serverEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.handleEnvelope(connCtx, env)
	}
}

func (s *Subscriber) teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Subscriber) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("no connection")
	}
	return s.conn.WriteJSON(v)
}

// subscribeWatched reconciles the subscription set against the durable
// watch-list. Already-subscribed items are no-ops; removal is unnecessary
// because stale subscriptions are discarded wholesale on reconnect.
func (s *Subscriber) subscribeWatched(ctx context.Context) error {
	ids, err := s.watchlist.ListWatchedItemIDs(ctx)
	if err != nil {
		return fmt.Errorf("list watched items: %w", err)
	}

	added := 0
	for i, id := range ids {
		ok, err := s.subscribe(id)
		if err != nil {
			return fmt.Errorf("subscribe item %d: %w", id, err)
		}
		if ok {
			added++
		}

		// Pace subscription bursts so a large watch-list does not flood
		// the channel right after connecting.
		if i > 0 && i%subscribePaceEvery == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(subscribePaceDelay):
			}
		}
	}

	if added > 0 {
		s.logger.Info().Int("added", added).Int("watched", len(ids)).Msg("subscriptions reconciled")
	}
	return nil
}

func (s *Subscriber) subscribe(itemID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return false, errors.New("no connection")
	}
	if s.subscribed[itemID] {
		return false, nil
	}
	if err := s.conn.WriteJSON(newSubscribeRequest(itemID)); err != nil {
		return false, err
	}
	s.subscribed[itemID] = true
	return true, nil
}

// pingLoop keeps the connection alive. A failed send is fatal: the socket
// is closed so the blocking read loop observes the error and the outer
// loop reconnects.
func (s *Subscriber) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			live := s.conn == conn
			var err error
			if live {
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			s.mu.Unlock()

			if !live {
				return
			}
			if err != nil {
				s.logger.Warn().Err(err).Msg("keepalive ping failed, closing connection")
				s.teardown()
				return
			}
		}
	}
}

func (s *Subscriber) resyncLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.subscribeWatched(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("subscription resync failed")
			}
		}
	}
}

// handleEnvelope unwraps a publish frame into per-item update records.
// Anything that does not match the expected shape is control traffic and
// is ignored; a malformed record never aborts the rest of its batch.
func (s *Subscriber) handleEnvelope(ctx context.Context, env serverEnvelope) {
	if env.Push == nil || env.Push.Pub == nil {
		return
	}

	msg := env.Push.Pub.Data.Message
	if msg.Namespace != "item-market" || msg.Action != "update" {
		return
	}

	for _, raw := range msg.Data {
		var rec priceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.logger.Debug().Err(err).Msg("skipping malformed update record")
			continue
		}
		if rec.ItemID <= 0 || rec.MinPrice <= 0 {
			continue
		}
		s.processRecord(ctx, rec)
	}
}

func (s *Subscriber) processRecord(ctx context.Context, rec priceRecord) {
	quantity := int64(1)
	if rec.Quantity != nil {
		quantity = *rec.Quantity
	}

	name, err := s.items.GetItemName(ctx, rec.ItemID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error().Err(err).Int64("item_id", rec.ItemID).Msg("failed to resolve item name")
		}
		name = fmt.Sprintf("Item %d", rec.ItemID)
	}

	if s.prices != nil {
		obs := storage.PriceObservation{
			Time:     time.Now().UTC(),
			ItemID:   rec.ItemID,
			Price:    rec.MinPrice,
			Quantity: quantity,
			Source:   alerting.SourceMarket,
		}
		if err := s.prices.InsertPrice(ctx, obs); err != nil {
			s.logger.Warn().Err(err).Int64("item_id", rec.ItemID).Msg("failed to persist price observation")
		}
	}

	ev := alerting.Event{
		ItemID:   rec.ItemID,
		ItemName: name,
		Price:    rec.MinPrice,
		Quantity: quantity,
		Source:   alerting.SourceMarket,
	}
	if err := s.engine.Evaluate(ctx, ev); err != nil {
		s.logger.Error().Err(err).Int64("item_id", rec.ItemID).Msg("alert evaluation failed")
	}
}
