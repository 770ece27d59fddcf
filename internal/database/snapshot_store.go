package database

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"

	"github.com/nfrund/tabletop/internal/domain"
)

const snapshotTable = "match_snapshot"

type snapshotRecord struct {
	MatchID string `json:"match_id"`
	Data    string `json:"data"`
}

// SnapshotStore keeps match snapshots in the match_snapshot table, one record
// per match keyed by the match id.
type SnapshotStore struct {
	conn *Connection
}

// NewSnapshotStore creates a store on an established connection.
func NewSnapshotStore(conn *Connection) *SnapshotStore {
	return &SnapshotStore{conn: conn}
}

// SaveSnapshot replaces the snapshot of matchID.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, matchID string, data []byte) error {
	q := "UPSERT type::thing($tb, $id) CONTENT { match_id: $id, data: $data, updated_at: time::now() }"
	return s.conn.Do(ctx, func(db *surrealdb.DB) error {
		return exec(ctx, db, q, map[string]any{"tb": snapshotTable, "id": matchID, "data": string(data)})
	})
}

// LoadSnapshot reads the snapshot of matchID.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context, matchID string) ([]byte, error) {
	var recs []snapshotRecord
	err := s.conn.Do(ctx, func(db *surrealdb.DB) error {
		var err error
		recs, err = query[snapshotRecord](ctx, db, "SELECT match_id, data FROM type::thing($tb, $id)",
			map[string]any{"tb": snapshotTable, "id": matchID})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrMatchNotFound, matchID)
	}
	return []byte(recs[0].Data), nil
}

// DeleteSnapshot removes the snapshot of matchID if there is one.
func (s *SnapshotStore) DeleteSnapshot(ctx context.Context, matchID string) error {
	return s.conn.Do(ctx, func(db *surrealdb.DB) error {
		return exec(ctx, db, "DELETE type::thing($tb, $id)", map[string]any{"tb": snapshotTable, "id": matchID})
	})
}

// ListSnapshots returns the ids of every stored match, sorted.
func (s *SnapshotStore) ListSnapshots(ctx context.Context) ([]string, error) {
	var recs []snapshotRecord
	err := s.conn.Do(ctx, func(db *surrealdb.DB) error {
		var err error
		recs, err = query[snapshotRecord](ctx, db, "SELECT match_id FROM type::table($tb) ORDER BY match_id",
			map[string]any{"tb": snapshotTable})
		return err
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.MatchID
	}
	return ids, nil
}
