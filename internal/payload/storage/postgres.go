package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/postgres"
)

// Postgres stores payloads as JSONB rows keyed by point id.
type Postgres struct {
	client *postgres.Client
	table  string
	guard  guard
}

func NewPostgres(client *postgres.Client) *Postgres {
	return &Postgres{client: client, table: client.Table(), guard: newGuard("postgres", postgres.Transient)}
}

// EnsureTable creates the payload table if it does not exist.
func (s *Postgres) EnsureTable(ctx context.Context) error {
	return s.guard.do(ctx, "migrate", func(ctx context.Context) error {
		_, err := s.client.DB.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
				point_id BIGINT PRIMARY KEY,
				payload  JSONB NOT NULL DEFAULT '{}'::jsonb
			)`, s.table))
		return err
	})
}

func decodeRow(point PointOffset, raw []byte) (Payload, error) {
	p := Payload{}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &decodeError{point: point, err: err}
	}
	return p, nil
}

func (s *Postgres) Get(ctx context.Context, point PointOffset) (Payload, error) {
	var p Payload
	err := s.guard.do(ctx, "get", func(ctx context.Context) error {
		var raw []byte
		err := s.client.DB.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT payload FROM %s WHERE point_id = $1`, s.table), int64(point),
		).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			p = Payload{}
			return nil
		}
		if err != nil {
			return err
		}
		p, err = decodeRow(point, raw)
		return err
	})
	return p, err
}

func (s *Postgres) upsert(ctx context.Context, op string, point PointOffset, p Payload, onConflict string) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding payload of point %d: %w", point, err)
	}
	return s.guard.do(ctx, op, func(ctx context.Context) error {
		_, err := s.client.DB.ExecContext(ctx, fmt.Sprintf(
			`INSERT INTO %[1]s (point_id, payload) VALUES ($1, $2)
			 ON CONFLICT (point_id) DO UPDATE SET payload = %[2]s`, s.table, onConflict),
			int64(point), raw)
		return err
	})
}

func (s *Postgres) Set(ctx context.Context, point PointOffset, p Payload) error {
	return s.upsert(ctx, "set", point, p, s.table+".payload || EXCLUDED.payload")
}

func (s *Postgres) Overwrite(ctx context.Context, point PointOffset, p Payload) error {
	return s.upsert(ctx, "overwrite", point, p, "EXCLUDED.payload")
}

func (s *Postgres) Delete(ctx context.Context, point PointOffset, key string) (any, bool, error) {
	var (
		old   any
		found bool
	)
	err := s.guard.do(ctx, "delete", func(ctx context.Context) error {
		found = false
		return s.client.InTx(ctx, func(tx *sql.Tx) error {
			var raw []byte
			err := tx.QueryRowContext(ctx, fmt.Sprintf(
				`SELECT payload -> $2 FROM %s WHERE point_id = $1 FOR UPDATE`, s.table),
				int64(point), key,
			).Scan(&raw)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && raw == nil) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &old); err != nil {
				return &decodeError{point: point, err: err}
			}
			found = true
			_, err = tx.ExecContext(ctx, fmt.Sprintf(
				`UPDATE %s SET payload = payload - $2 WHERE point_id = $1`, s.table),
				int64(point), key)
			return err
		})
	})
	return old, found, err
}

func (s *Postgres) Clear(ctx context.Context, point PointOffset) (Payload, error) {
	var old Payload
	err := s.guard.do(ctx, "clear", func(ctx context.Context) error {
		var raw []byte
		err := s.client.DB.QueryRowContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE point_id = $1 RETURNING payload`, s.table), int64(point),
		).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			old = Payload{}
			return nil
		}
		if err != nil {
			return err
		}
		old, err = decodeRow(point, raw)
		return err
	})
	return old, err
}

func (s *Postgres) Iter(ctx context.Context, fn func(PointOffset, Payload) error) error {
	rows, err := s.client.DB.QueryContext(ctx, fmt.Sprintf(
		`SELECT point_id, payload FROM %s ORDER BY point_id`, s.table))
	if err != nil {
		return fmt.Errorf("scanning payloads: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  int64
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("scanning payload row: %w", err)
		}
		p, err := decodeRow(PointOffset(id), raw)
		if err != nil {
			return err
		}
		if err := fn(PointOffset(id), p); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return rows.Err()
}

// Flusher is a no-op: every statement commits on its own.
func (s *Postgres) Flusher() func() error {
	return func() error { return nil }
}

func (s *Postgres) Files() []string { return nil }

func (s *Postgres) Close() error { return s.client.Close() }
