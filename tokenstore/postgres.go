// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package tokenstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a durable Store backed by a pgx connection pool, grounded
// on the teacher's pkg/storage/postgres.SessionStore/NonceStore query
// shape: plain parameterized SQL over a pool, no ORM.
type Postgres struct {
	db *pgxpool.Pool
}

// Schema is the DDL NewPostgres expects to already have been applied.
// Kept here as documentation rather than executed automatically, matching
// the teacher's own migration-file convention rather than a runtime
// CREATE TABLE.
const Schema = `
CREATE TABLE IF NOT EXISTS issued_tokens (
	signature    BYTEA PRIMARY KEY,
	encoded      BYTEA NOT NULL,
	prev_encoded BYTEA,
	issued_at    TIMESTAMPTZ NOT NULL
);
`

// NewPostgres wraps an already-connected pool.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Connect opens a pool against dsn and wraps it.
func Connect(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: connect: %w", err)
	}
	return NewPostgres(pool), nil
}

// Close releases the pool.
func (p *Postgres) Close() { p.db.Close() }

// Put implements Store.
func (p *Postgres) Put(ctx context.Context, e Entry) error {
	query := `
		INSERT INTO issued_tokens (signature, encoded, prev_encoded, issued_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (signature) DO UPDATE SET encoded = $2, prev_encoded = $3
	`
	issuedAt := e.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}
	if _, err := p.db.Exec(ctx, query, e.Signature, e.Encoded, e.PrevEncoded, issuedAt); err != nil {
		return fmt.Errorf("tokenstore: put: %w", err)
	}
	return nil
}

// Contains implements Store.
func (p *Postgres) Contains(ctx context.Context, signature []byte) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM issued_tokens WHERE signature = $1)`
	var exists bool
	if err := p.db.QueryRow(ctx, query, signature).Scan(&exists); err != nil {
		return false, fmt.Errorf("tokenstore: contains: %w", err)
	}
	return exists, nil
}

// Delete implements Store.
func (p *Postgres) Delete(ctx context.Context, signature []byte) error {
	query := `DELETE FROM issued_tokens WHERE signature = $1`
	if _, err := p.db.Exec(ctx, query, signature); err != nil {
		return fmt.Errorf("tokenstore: delete: %w", err)
	}
	return nil
}

// List implements Store.
func (p *Postgres) List(ctx context.Context) ([]Entry, error) {
	query := `SELECT signature, encoded, prev_encoded, issued_at FROM issued_tokens`
	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Signature, &e.Encoded, &e.PrevEncoded, &e.IssuedAt); err != nil {
			return nil, fmt.Errorf("tokenstore: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tokenstore: iterate: %w", err)
	}
	return out, nil
}
