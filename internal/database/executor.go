package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/surrealdb/surrealdb.go"
)

// ErrNotConnected is returned when no connection has been established.
var ErrNotConnected = errors.New("database not connected")

// QueryError wraps a failed SurrealQL statement.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %v (query: %s)", e.Err, e.Query)
}

func (e *QueryError) Unwrap() error { return e.Err }

// query runs a statement and returns the rows of its first result.
func query[T any](ctx context.Context, db *surrealdb.DB, sql string, vars map[string]any) ([]T, error) {
	results, err := surrealdb.Query[[]T](ctx, db, sql, vars)
	if err != nil {
		return nil, &QueryError{Query: sql, Err: err}
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	return (*results)[0].Result, nil
}

// exec runs a statement whose result is not needed.
func exec(ctx context.Context, db *surrealdb.DB, sql string, vars map[string]any) error {
	if _, err := surrealdb.Query[any](ctx, db, sql, vars); err != nil {
		return &QueryError{Query: sql, Err: err}
	}
	return nil
}
