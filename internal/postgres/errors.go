package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

// IsNoRows reports whether err is pgx.ErrNoRows, the sentinel a read-only query returns when a storage id, path, or
// user has no mapping. The mapping cache treats this as a negative result worth caching, not a failure.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
