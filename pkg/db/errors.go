package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Postgres error classes that indicate the statement may succeed when retried.
var transientSQLStateClasses = []string{
	"08", // connection exception
	"40", // transaction rollback (serialization, deadlock)
	"53", // insufficient resources
	"57", // operator intervention (admin shutdown, query canceled)
}

var rejectedSQLStateClasses = []string{
	"22", // data exception
	"23", // integrity constraint violation
}

// IsTransient reports whether err looks like a temporary datastore failure
// rather than a problem with the statement itself.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if code := sqlState(err); code != "" {
		return hasSQLStateClass(code, transientSQLStateClasses)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}

// IsRejected reports whether the database refused the statement because of the
// data it carried (SQLSTATE classes 22 and 23). Re-running the same write
// cannot succeed.
func IsRejected(err error) bool {
	if err == nil || IsTransient(err) {
		return false
	}
	return hasSQLStateClass(sqlState(err), rejectedSQLStateClasses)
}

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func hasSQLStateClass(code string, classes []string) bool {
	if len(code) < 2 {
		return false
	}
	for _, class := range classes {
		if code[:2] == class {
			return true
		}
	}
	return false
}
