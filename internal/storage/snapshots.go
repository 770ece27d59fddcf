package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/nfrund/tabletop/internal/domain"
)

const snapshotExt = ".json"

// FileStore keeps one JSON snapshot per match under a directory of a Store.
type FileStore struct {
	blobs Store
	dir   string
}

// NewFileStore stores snapshots under dir in blobs.
func NewFileStore(blobs Store, dir string) *FileStore {
	return &FileStore{blobs: blobs, dir: dir}
}

func (s *FileStore) path(matchID string) (string, error) {
	if matchID == "" || strings.ContainsAny(matchID, `/\`) || strings.HasPrefix(matchID, ".") {
		return "", fmt.Errorf("invalid match id %q", matchID)
	}
	return path.Join(s.dir, matchID+snapshotExt), nil
}

// SaveSnapshot replaces the snapshot of matchID.
func (s *FileStore) SaveSnapshot(ctx context.Context, matchID string, data []byte) error {
	p, err := s.path(matchID)
	if err != nil {
		return err
	}
	if _, err := s.blobs.Save(ctx, p, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to save snapshot of %s: %w", matchID, err)
	}
	return nil
}

// LoadSnapshot reads the snapshot of matchID.
func (s *FileStore) LoadSnapshot(ctx context.Context, matchID string) ([]byte, error) {
	p, err := s.path(matchID)
	if err != nil {
		return nil, err
	}
	r, err := s.blobs.Get(ctx, p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrMatchNotFound, matchID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot of %s: %w", matchID, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// DeleteSnapshot removes the snapshot of matchID if there is one.
func (s *FileStore) DeleteSnapshot(ctx context.Context, matchID string) error {
	p, err := s.path(matchID)
	if err != nil {
		return err
	}
	return s.blobs.Delete(ctx, p)
}

// ListSnapshots returns the ids of every stored match, sorted.
func (s *FileStore) ListSnapshots(ctx context.Context) ([]string, error) {
	names, err := s.blobs.List(ctx, s.dir, snapshotExt)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(names))
	for i, n := range names {
		ids[i] = strings.TrimSuffix(n, snapshotExt)
	}
	return ids, nil
}
