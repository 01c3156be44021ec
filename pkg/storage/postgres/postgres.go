// Package postgres provides a PostgreSQL backed implementation of
// [storage.Datastore].
package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver.

	"github.com/objstack/objstack/pkg/storage"
	"github.com/objstack/objstack/pkg/storage/sqlcommon"
)

// Datastore is the PostgreSQL document store.
type Datastore struct {
	*sqlcommon.Store
}

var _ storage.Datastore = (*Datastore)(nil)

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}
	sqlcommon.ConfigurePool(db, cfg)

	stbl := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(db)
	return &Datastore{
		Store: sqlcommon.NewStore(db, stbl, cfg, handleSQLError, nil),
	}, nil
}

// handleSQLError maps a PostgreSQL error onto the storage sentinel
// errors.
func handleSQLError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.SQLState() == "23505" {
		return storage.ErrUniqueViolation
	}

	return fmt.Errorf("sql error: %w", err)
}
