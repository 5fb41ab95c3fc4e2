package store

import (
	"context"
	"errors"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrUnavailable is returned when no connection could be established after
// the configured number of attempts, or the failure was not worth retrying.
var ErrUnavailable = errors.New("store unavailable")

// IsTransient reports whether a connection error may succeed on retry.
// Rejected credentials and unknown databases are permanent.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1044, 1045, 1049, 1698:
			return false
		}
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 28 is invalid authorization, 3D000 an unknown database.
		if strings.HasPrefix(pgErr.Code, "28") || pgErr.Code == "3D000" {
			return false
		}
		return true
	}

	return true
}
