package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/diycloud/usermgmt/internal/apperr"
	"github.com/uptrace/bun/driver/pgdriver"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const pgUniqueViolation = "23505"

// isUniqueViolation detects a unique constraint failure from either driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == pgUniqueViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// mapError translates driver errors into apperr kinds. what names the entity for messages.
func mapError(err error, op, what string) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %s %w", op, what, apperr.ErrNotFound)
	case isUniqueViolation(err):
		return fmt.Errorf("%s: %s %w", op, what, apperr.ErrConflict)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func requireAffected(res sql.Result, op, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %s %w", op, what, apperr.ErrNotFound)
	}
	return nil
}
