// Package mapping resolves storage ids, paths, and group identifiers to the set of users who should hear about them.
// It is a read-only view of a relational schema this daemon does not own, fronted by a coalescing, TTL-bounded
// cache so that a burst of bus events for the same storage does not turn into a burst of database round trips.
package mapping

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the read-only relational view the cache falls through to on a miss.
type Store interface {
	UsersForStorage(ctx context.Context, storageID string) (map[string]struct{}, error)
	UsersForPath(ctx context.Context, storageID, path string) (map[string]struct{}, error)
	GroupMembers(ctx context.Context, group string) (map[string]struct{}, error)
	GroupsForUser(ctx context.Context, user string) (map[string]struct{}, error)
}

// PGStore implements Store against the host application's PostgreSQL database. It never writes.
type PGStore struct {
	db          *pgxpool.Pool
	tablePrefix string
}

// NewPGStore builds a PGStore. tablePrefix is prepended to every table name, matching the host application's
// configurable table prefix (scraped from its config file by internal/config).
func NewPGStore(db *pgxpool.Pool, tablePrefix string) *PGStore {
	return &PGStore{db: db, tablePrefix: tablePrefix}
}

func (s *PGStore) table(name string) string {
	return s.tablePrefix + name
}

// UsersForStorage joins the mount table against the user this storage is mounted for. A storage can be mounted for
// more than one user (group folders, shares), hence the set return.
func (s *PGStore) UsersForStorage(ctx context.Context, storageID string) (map[string]struct{}, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		"SELECT user_id FROM %s WHERE root_id = (SELECT numeric_id FROM %s WHERE storage_id = $1 LIMIT 1)",
		s.table("mounts"), s.table("filecache"),
	), storageID)
	if err != nil {
		return nil, fmt.Errorf("query users for storage: %w", err)
	}
	defer rows.Close()
	return scanUserSet(rows)
}

// UsersForPath resolves path to its owning file id within storageID, walks every ancestor file id up to the
// filesystem root via filecache.parent, then returns the users of every mount whose root lands on that chain. A
// storage_update event almost always names a file nested arbitrarily deep inside a mounted folder, not the mount
// root itself, so the leaf file id alone is not enough: the mount root is an ancestor, not the event's own file.
func (s *PGStore) UsersForPath(ctx context.Context, storageID, path string) (map[string]struct{}, error) {
	var fileID int64
	err := s.db.QueryRow(ctx, fmt.Sprintf(
		"SELECT fileid FROM %s WHERE storage = (SELECT numeric_id FROM %s WHERE storage_id = $1) AND path = $2",
		s.table("filecache"), s.table("storages"),
	), storageID, path).Scan(&fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve path to file id: %w", err)
	}

	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		WITH RECURSIVE ancestors(fileid, parent) AS (
			SELECT fileid, parent FROM %[1]s WHERE fileid = $1
			UNION ALL
			SELECT f.fileid, f.parent
			FROM %[1]s f
			JOIN ancestors a ON f.fileid = a.parent
		)
		SELECT DISTINCT m.user_id
		FROM %[2]s m
		JOIN ancestors a ON m.root_id = a.fileid
	`, s.table("filecache"), s.table("mounts")), fileID)
	if err != nil {
		return nil, fmt.Errorf("query users for path: %w", err)
	}
	defer rows.Close()
	return scanUserSet(rows)
}

// GroupMembers returns the members of group.
func (s *PGStore) GroupMembers(ctx context.Context, group string) (map[string]struct{}, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		"SELECT uid FROM %s WHERE gid = $1", s.table("group_user"),
	), group)
	if err != nil {
		return nil, fmt.Errorf("query group members: %w", err)
	}
	defer rows.Close()
	return scanUserSet(rows)
}

// GroupsForUser returns the groups user belongs to.
func (s *PGStore) GroupsForUser(ctx context.Context, user string) (map[string]struct{}, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		"SELECT gid FROM %s WHERE uid = $1", s.table("group_user"),
	), user)
	if err != nil {
		return nil, fmt.Errorf("query groups for user: %w", err)
	}
	defer rows.Close()
	return scanUserSet(rows)
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanUserSet(rows rowScanner) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}
