package db

import (
	"database/sql"
	"strings"

	"github.com/teranos/hubjobs/errors"
)

// ErrDatabaseClosed marks operations on a database closed during shutdown
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err means the connection is gone for good,
// so loops polling the database should exit instead of backing off.
//
// database/sql does not wrap its own errors consistently; the message match
// covers driver errors that only carry the text.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
