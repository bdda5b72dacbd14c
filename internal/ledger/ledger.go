package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"spot-grid-bot-go/internal/models"

	_ "modernc.org/sqlite" // Import the pure-Go sqlite driver
)

// Ledger stores the append-only trade history and the order journal in SQLite.
type Ledger struct {
	db *sql.DB
}

// Open initializes the database connection and creates necessary tables.
func Open(dataSourceName string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer keeps SQLite from returning SQLITE_BUSY under concurrent readers.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Ledger{db: db}, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// Trades are never updated or deleted. order_id is unique so a fill can only be recorded once.
	createTradesTableSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		side TEXT NOT NULL,
		price REAL NOT NULL,
		amount REAL NOT NULL,
		profit REAL NOT NULL,
		strategy TEXT NOT NULL,
		order_id INTEGER NOT NULL UNIQUE
	);`
	if _, err := db.Exec(createTradesTableSQL); err != nil {
		return err
	}

	// Orders table records every order submitted by the executor and its terminal status.
	createOrdersTableSQL := `
	CREATE TABLE IF NOT EXISTS orders (
		client_order_id TEXT PRIMARY KEY,
		exchange_order_id INTEGER,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		price REAL NOT NULL,
		quantity REAL NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createOrdersTableSQL); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// AppendTrade inserts a trade. It returns false if a trade for the same order was already recorded.
func (l *Ledger) AppendTrade(ctx context.Context, trade models.Trade) (bool, error) {
	query := `
	INSERT OR IGNORE INTO trades (ts, side, price, amount, profit, strategy, order_id)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	res, err := l.db.ExecContext(ctx, query,
		trade.Timestamp.UnixNano(), string(trade.Side), trade.Price, trade.Amount,
		trade.Profit, string(trade.Strategy), trade.OrderID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert trade for order %d: %w", trade.OrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// HasTrade reports whether a trade for the given exchange order id exists.
func (l *Ledger) HasTrade(ctx context.Context, orderID int64) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM trades WHERE order_id = ?`, orderID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query trade %d: %w", orderID, err)
	}
	return n > 0, nil
}

// History loads the full trade history in timestamp ascending order.
func (l *Ledger) History(ctx context.Context) ([]models.Trade, error) {
	return l.queryTrades(ctx, `
	SELECT ts, side, price, amount, profit, strategy, order_id
	FROM trades ORDER BY ts ASC, id ASC`)
}

// Recent returns the latest n trades, oldest first.
func (l *Ledger) Recent(ctx context.Context, n int) ([]models.Trade, error) {
	if n <= 0 {
		return nil, nil
	}
	return l.queryTrades(ctx, `
	SELECT ts, side, price, amount, profit, strategy, order_id FROM (
		SELECT id, ts, side, price, amount, profit, strategy, order_id
		FROM trades ORDER BY ts DESC, id DESC LIMIT ?
	) ORDER BY ts ASC, id ASC`, n)
}

func (l *Ledger) queryTrades(ctx context.Context, query string, args ...any) ([]models.Trade, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var (
			t        models.Trade
			ts       int64
			side     string
			strategy string
		)
		if err := rows.Scan(&ts, &side, &t.Price, &t.Amount, &t.Profit, &strategy, &t.OrderID); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.Timestamp = time.Unix(0, ts).UTC()
		t.Side = models.Side(side)
		t.Strategy = models.Strategy(strategy)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// RecordOrder inserts an order into the journal or updates its status.
func (l *Ledger) RecordOrder(ctx context.Context, order *models.Order) error {
	query := `
	INSERT INTO orders (client_order_id, exchange_order_id, symbol, side, type, price, quantity, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(client_order_id) DO UPDATE SET
		exchange_order_id = excluded.exchange_order_id,
		price = excluded.price,
		status = excluded.status,
		updated_at = excluded.updated_at;`

	_, err := l.db.ExecContext(ctx, query,
		order.ClientOrderID, order.ID, order.Symbol, string(order.Side), order.Type,
		order.Price, order.Quantity, string(order.Status),
		order.SubmittedAt.UnixNano(), order.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record order %s: %w", order.ClientOrderID, err)
	}
	return nil
}

// PendingOrders retrieves all journaled orders that have not reached a terminal state.
func (l *Ledger) PendingOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	return l.queryOrders(ctx, `
	SELECT client_order_id, exchange_order_id, symbol, side, type, price, quantity, status, created_at, updated_at
	FROM orders WHERE symbol = ? AND status = ? ORDER BY created_at ASC`, symbol, string(models.OrderPending))
}

// ReconcilePending marks journaled pending orders whose fill was already recorded as FILLED.
// This happens when journaling the final status failed while the trade itself was appended.
// Orders without a recorded trade are returned for manual review.
func (l *Ledger) ReconcilePending(ctx context.Context, symbol string, at time.Time) ([]models.Order, error) {
	pending, err := l.PendingOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	var unresolved []models.Order
	for i := range pending {
		o := &pending[i]
		filled := false
		if o.ID != 0 {
			if filled, err = l.HasTrade(ctx, o.ID); err != nil {
				return nil, err
			}
		}
		if !filled {
			unresolved = append(unresolved, *o)
			continue
		}
		if err := o.Transition(models.OrderFilled, at); err != nil {
			return nil, err
		}
		if err := l.RecordOrder(ctx, o); err != nil {
			return nil, err
		}
	}
	return unresolved, nil
}

func (l *Ledger) queryOrders(ctx context.Context, query string, args ...any) ([]models.Order, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var (
			o                  models.Order
			exchangeID         sql.NullInt64
			side, status       string
			created, updatedAt int64
		)
		if err := rows.Scan(&o.ClientOrderID, &exchangeID, &o.Symbol, &side, &o.Type,
			&o.Price, &o.Quantity, &status, &created, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		o.ID = exchangeID.Int64
		o.Side = models.Side(side)
		o.Status = models.OrderStatus(status)
		o.SubmittedAt = time.Unix(0, created).UTC()
		o.UpdatedAt = time.Unix(0, updatedAt).UTC()
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
