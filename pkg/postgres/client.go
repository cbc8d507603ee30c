// Package postgres opens pooled lib/pq connections for the payload table and
// classifies driver errors for retry decisions.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/config"
)

// Client is a connection pool bound to one payload table.
type Client struct {
	DB    *sql.DB
	table string
}

// New opens a pool and verifies it with a ping bounded by ctx.
func New(ctx context.Context, cfg config.PostgresConfig) (*Client, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	c := &Client{DB: db, table: pq.QuoteIdentifier(cfg.Table)}
	if err := c.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	slog.Default().With("component", "postgres").Info("connected",
		"host", cfg.Host,
		"database", cfg.Database,
		"table", cfg.Table,
	)
	return c, nil
}

// Table is the quoted payload table name, ready for use in SQL.
func (c *Client) Table() string { return c.table }

func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging postgres: %w", err)
	}
	return nil
}

func (c *Client) Close() error { return c.DB.Close() }

// InTx runs fn in a transaction, committing when fn returns nil.
func (c *Client) InTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Transient reports driver errors a retry may cure: serialization failures,
// deadlocks, connection loss and server shutdown. Other server errors such
// as constraint or syntax violations are permanent.
func Transient(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return !errors.Is(err, sql.ErrNoRows)
	}
	switch pqErr.Code.Class() {
	case "08", "53", "57":
		return true
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}
