package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

const (
	listActiveCredentialsSQL = `SELECT id, encrypted_api_key
    FROM users
    WHERE encrypted_api_key IS NOT NULL;`

	clearCredentialSQL = `UPDATE users
    SET encrypted_api_key = NULL
    WHERE id = $1;`

	listWatchedItemIDsSQL = `SELECT id FROM items WHERE is_watched = true ORDER BY id;`

	getItemNameSQL = `SELECT name FROM items WHERE id = $1;`

	listAlertsForItemSQL = `SELECT ua.user_id, ua.alert_price_above, ua.alert_price_below, ua.alert_change_percent, u.discord_id
    FROM user_alerts ua
    LEFT JOIN users u ON u.id = ua.user_id
    WHERE ua.item_id = $1;`

	getAlertStateSQL = `SELECT last_price, last_hash, updated_at
    FROM alert_states
    WHERE item_id = $1 AND user_id = $2;`

	upsertAlertStateSQL = `INSERT INTO alert_states (item_id, user_id, last_price, last_hash, updated_at)
    VALUES ($1, $2, $3, $4, NOW())
    ON CONFLICT (item_id, user_id) DO UPDATE
    SET last_price = EXCLUDED.last_price,
        last_hash  = EXCLUDED.last_hash,
        updated_at = NOW();`

	insertPriceSQL = `INSERT INTO market_prices (time, item_id, price, quantity, source)
    VALUES ($1, $2, $3, $4, $5);`

	touchItemPriceSQL = `UPDATE items
    SET last_market_price = $1, last_updated_at = $2
    WHERE id = $3;`

	listPricesBetweenSQL = `SELECT mp.time, mp.item_id, COALESCE(i.name, ''), mp.price, mp.quantity, mp.source
    FROM market_prices mp
    LEFT JOIN items i ON i.id = mp.item_id
    WHERE mp.item_id = $1
      AND mp.time >= $2
      AND mp.time < $3
    ORDER BY mp.time
    LIMIT $4;`

	listRecentPricesSQL = `SELECT mp.time, mp.item_id, COALESCE(i.name, ''), mp.price, mp.quantity, mp.source
    FROM market_prices mp
    LEFT JOIN items i ON i.id = mp.item_id
    ORDER BY mp.time DESC
    LIMIT $1;`

	getSettingSQL = `SELECT value FROM system_settings WHERE key = $1;`

	setSettingSQL = `INSERT INTO system_settings (key, value, updated_at)
    VALUES ($1, $2, NOW())
    ON CONFLICT (key) DO UPDATE
    SET value = EXCLUDED.value, updated_at = NOW();`

	getUserSettingSQL = `SELECT value FROM user_settings WHERE user_id = $1 AND key = $2;`

	setUserSettingSQL = `INSERT INTO user_settings (user_id, key, value, updated_at)
    VALUES ($1, $2, $3, NOW())
    ON CONFLICT (user_id, key) DO UPDATE
    SET value = EXCLUDED.value, updated_at = NOW();`

	insertAlertLogSQL = `INSERT INTO alert_log (item_id, user_id, price, reason, channels)
    VALUES ($1, $2, $3, $4, $5)
    RETURNING id, created_at;`

	listRecentAlertLogsSQL = `SELECT id, item_id, user_id, price, reason, channels, created_at
    FROM alert_log
    ORDER BY created_at DESC
    LIMIT $1;`
)

// CredentialStore exposes the authoritative encrypted-credential records.
type CredentialStore interface {
	ListActiveCredentials(ctx context.Context) ([]Credential, error)
	ClearCredential(ctx context.Context, accountID int64) error
}

// WatchlistStore lists items users currently watch.
type WatchlistStore interface {
	ListWatchedItemIDs(ctx context.Context) ([]int64, error)
}

// ItemStore resolves item metadata.
type ItemStore interface {
	GetItemName(ctx context.Context, itemID int64) (string, error)
}

// AlertConfigStore lists user alert configurations per item.
type AlertConfigStore interface {
	ListAlertsForItem(ctx context.Context, itemID int64) ([]AlertConfig, error)
}

// AlertStateStore reads and writes per (item, user) dedup state.
type AlertStateStore interface {
	GetAlertState(ctx context.Context, itemID, userID int64) (AlertState, error)
	UpsertAlertState(ctx context.Context, itemID, userID, price int64, hash string) error
}

// PriceHistoryStore persists observed price points.
type PriceHistoryStore interface {
	InsertPrice(ctx context.Context, obs PriceObservation) error
	ListPricesBetween(ctx context.Context, itemID int64, from, to time.Time, limit int) ([]PriceObservation, error)
	ListRecentPrices(ctx context.Context, limit int) ([]PriceObservation, error)
}

// SettingsStore is the persistence contract behind the settings cache.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	GetUserSetting(ctx context.Context, userID int64, key string) (string, bool, error)
	SetUserSetting(ctx context.Context, userID int64, key, value string) error
}

// AlertLogStore records emitted alerts for auditing.
type AlertLogStore interface {
	InsertAlertLog(ctx context.Context, entry AlertLogEntry) (AlertLogEntry, error)
	ListRecentAlertLogs(ctx context.Context, limit int) ([]AlertLogEntry, error)
}

// Store aggregates all database access behind one pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListActiveCredentials returns every account with an encrypted key on file.
func (s *Store) ListActiveCredentials(ctx context.Context) ([]Credential, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveCredentialsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active credentials: %w", queryErr)
	}
	defer rows.Close()

	creds := make([]Credential, 0)
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.AccountID, &c.EncryptedSecret); err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return creds, nil
}

// ClearCredential removes the encrypted key from the account record.
func (s *Store) ClearCredential(ctx context.Context, accountID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, clearCredentialSQL, accountID); execErr != nil {
		return fmt.Errorf("clear credential: %w", execErr)
	}
	return nil
}

// ListWatchedItemIDs returns the ids of all watched items.
func (s *Store) ListWatchedItemIDs(ctx context.Context) ([]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listWatchedItemIDsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list watched items: %w", queryErr)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}

// GetItemName resolves an item's display name.
func (s *Store) GetItemName(ctx context.Context, itemID int64) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}
	var name string
	if scanErr := pool.QueryRow(ctx, getItemNameSQL, itemID).Scan(&name); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get item name: %w", scanErr)
	}
	return name, nil
}

// ListAlertsForItem returns all alert configurations referencing the item.
func (s *Store) ListAlertsForItem(ctx context.Context, itemID int64) ([]AlertConfig, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertsForItemSQL, itemID)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts for item: %w", queryErr)
	}
	defer rows.Close()

	configs := make([]AlertConfig, 0)
	for rows.Next() {
		var cfg AlertConfig
		if err := rows.Scan(&cfg.UserID, &cfg.PriceAbove, &cfg.PriceBelow, &cfg.ChangePercent, &cfg.NotifyIdentity); err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return configs, nil
}

// GetAlertState loads dedup state; ErrNotFound when no prior state exists.
func (s *Store) GetAlertState(ctx context.Context, itemID, userID int64) (AlertState, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertState{}, err
	}

	var state AlertState
	scanErr := pool.QueryRow(ctx, getAlertStateSQL, itemID, userID).
		Scan(&state.LastPrice, &state.LastHash, &state.UpdatedAt)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return AlertState{}, ErrNotFound
		}
		return AlertState{}, fmt.Errorf("get alert state: %w", scanErr)
	}
	return state, nil
}

// UpsertAlertState writes the latest price/hash for (item, user).
func (s *Store) UpsertAlertState(ctx context.Context, itemID, userID, price int64, hash string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertAlertStateSQL, itemID, userID, price, hash); execErr != nil {
		return fmt.Errorf("upsert alert state: %w", execErr)
	}
	return nil
}

// InsertPrice appends one observation to the history and refreshes the item snapshot.
func (s *Store) InsertPrice(ctx context.Context, obs PriceObservation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	ts := obs.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	if _, execErr := pool.Exec(ctx, insertPriceSQL, ts, obs.ItemID, obs.Price, obs.Quantity, obs.Source); execErr != nil {
		return fmt.Errorf("insert price: %w", execErr)
	}
	if _, execErr := pool.Exec(ctx, touchItemPriceSQL, obs.Price, ts, obs.ItemID); execErr != nil {
		return fmt.Errorf("touch item price: %w", execErr)
	}
	return nil
}

// ListPricesBetween lists observations for one item within a time window.
func (s *Store) ListPricesBetween(ctx context.Context, itemID int64, from, to time.Time, limit int) ([]PriceObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPricesBetweenSQL, itemID, from, to, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list prices between: %w", queryErr)
	}
	defer rows.Close()

	return scanObservations(rows)
}

// ListRecentPrices lists the most recent observations across all items.
func (s *Store) ListRecentPrices(ctx context.Context, limit int) ([]PriceObservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentPricesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent prices: %w", queryErr)
	}
	defer rows.Close()

	return scanObservations(rows)
}

// GetSetting reads one global setting.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", false, err
	}
	var value string
	if scanErr := pool.QueryRow(ctx, getSettingSQL, key).Scan(&value); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get setting: %w", scanErr)
	}
	return value, true, nil
}

// SetSetting upserts one global setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setSettingSQL, key, value); execErr != nil {
		return fmt.Errorf("set setting: %w", execErr)
	}
	return nil
}

// GetUserSetting reads one per-user setting.
func (s *Store) GetUserSetting(ctx context.Context, userID int64, key string) (string, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", false, err
	}
	var value string
	if scanErr := pool.QueryRow(ctx, getUserSettingSQL, userID, key).Scan(&value); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get user setting: %w", scanErr)
	}
	return value, true, nil
}

// SetUserSetting upserts one per-user setting.
func (s *Store) SetUserSetting(ctx context.Context, userID int64, key, value string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setUserSettingSQL, userID, key, value); execErr != nil {
		return fmt.Errorf("set user setting: %w", execErr)
	}
	return nil
}

// InsertAlertLog persists an alert emission.
func (s *Store) InsertAlertLog(ctx context.Context, entry AlertLogEntry) (AlertLogEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertLogEntry{}, err
	}

	row := pool.QueryRow(ctx, insertAlertLogSQL,
		entry.ItemID,
		entry.UserID,
		entry.Price,
		entry.Reason,
		entry.Channels,
	)
	if scanErr := row.Scan(&entry.ID, &entry.CreatedAt); scanErr != nil {
		return AlertLogEntry{}, fmt.Errorf("insert alert log: %w", scanErr)
	}
	return entry, nil
}

// ListRecentAlertLogs lists the most recent emitted alerts.
func (s *Store) ListRecentAlertLogs(ctx context.Context, limit int) ([]AlertLogEntry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertLogsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alert logs: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]AlertLogEntry, 0, limit)
	for rows.Next() {
		var entry AlertLogEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.ItemID,
			&entry.UserID,
			&entry.Price,
			&entry.Reason,
			&entry.Channels,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

func scanObservations(rows pgx.Rows) ([]PriceObservation, error) {
	observations := make([]PriceObservation, 0)
	for rows.Next() {
		var obs PriceObservation
		if err := rows.Scan(&obs.Time, &obs.ItemID, &obs.ItemName, &obs.Price, &obs.Quantity, &obs.Source); err != nil {
			return nil, err
		}
		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}
