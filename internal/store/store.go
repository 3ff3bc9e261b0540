/*
Inbound Router - mail routing and abuse classification for Freegle groups.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package store implements the relational data access used by the router,
// the bounce classifier and the spam classifier.
//
// Lookups return (nil, nil) when nothing matches. Errors returned by the
// package are marked temporary so callers can tell the MTA to retry.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/freegle/inboundrouter/framework/exterrors"
	"github.com/freegle/inboundrouter/framework/log"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const modName = "store"

// SQL is the database/sql backed store. Queries are written with "?"
// placeholders and rebound for the driver in use.
type SQL struct {
	db     *sqlx.DB
	driver string
	Log    log.Logger

	// Now is used for all timestamps written and all time windows queried.
	Now func() time.Time
}

// Open connects to the database. driver is one of mysql, postgres, sqlite3
// (cgo) or sqlite (pure Go).
func Open(ctx context.Context, driver, dsn string) (*SQL, error) {
	if driver == "mysql" {
		// Timestamps are scanned into time.Time.
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", modName, err)
		}
		cfg.ParseTime = true
		dsn = cfg.FormatDSN()
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open %s: %w", modName, driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: ping %s: %w", modName, driver, err)
	}
	if isSQLite(driver) {
		// Writes are serialized by SQLite anyway, one connection avoids
		// "database is locked" errors and keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
	}
	return New(db, driver), nil
}

func New(db *sqlx.DB, driver string) *SQL {
	return &SQL{
		db:     db,
		driver: driver,
		Log:    log.Logger{Name: modName, Out: log.DefaultLogger.Out},
		Now:    time.Now,
	}
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) DB() *sqlx.DB {
	return s.db
}

func isSQLite(driver string) bool {
	return driver == "sqlite3" || driver == "sqlite"
}

func (s *SQL) rebind(query string) string {
	if s.driver == "postgres" {
		return sqlx.Rebind(sqlx.DOLLAR, query)
	}
	return query
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return exterrors.WithTemporary(fmt.Errorf("%s: %s: %w", modName, op, err), true)
}

type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
}

// get runs a single-row query. A missing row is reported as found=false.
func (s *SQL) get(ctx context.Context, q queryer, op string, dest interface{}, query string, args ...interface{}) (bool, error) {
	err := q.GetContext(ctx, dest, s.rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr(op, err)
	}
	return true, nil
}

func (s *SQL) count(ctx context.Context, op, query string, args ...interface{}) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.rebind(query), args...); err != nil {
		return 0, wrapErr(op, err)
	}
	return n, nil
}

func (s *SQL) exists(ctx context.Context, op, query string, args ...interface{}) (bool, error) {
	n, err := s.count(ctx, op, "SELECT COUNT(*) FROM ("+query+") q", args...)
	return n != 0, err
}

func (s *SQL) exec(ctx context.Context, q queryer, op, query string, args ...interface{}) (int64, error) {
	res, err := q.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, wrapErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr(op, err)
	}
	return n, nil
}

// insert runs an INSERT and returns the generated id.
func (s *SQL) insert(ctx context.Context, q queryer, op, query string, args ...interface{}) (int64, error) {
	if s.driver == "postgres" {
		var id int64
		if err := q.QueryRowxContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, wrapErr(op, err)
		}
		return id, nil
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, wrapErr(op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapErr(op, err)
	}
	return id, nil
}

// inTx runs f in a transaction, rolling back if f fails.
func (s *SQL) inTx(ctx context.Context, op string, f func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr(op, err)
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	return wrapErr(op, tx.Commit())
}

// likeEscape escapes LIKE wildcards for use with "ESCAPE '!'", which
// every supported driver accepts without quoting differences.
func likeEscape(s string) string {
	return strings.NewReplacer(`!`, `!!`, `%`, `!%`, `_`, `!_`).Replace(s)
}
