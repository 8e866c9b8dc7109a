package persistence

import (
	"PegLedger/internal/core"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const snapshotKeyPrefix = "snap:"

// LevelDBSnapshotStore keeps snapshots in a local LevelDB, keyed by
// big-endian height so the last key is the latest snapshot.
type LevelDBSnapshotStore struct {
	db   *leveldb.DB
	keep int
}

// NewLevelDBSnapshotStore opens (or creates) the store at path. keep bounds
// how many snapshots are retained; zero keeps all.
func NewLevelDBSnapshotStore(path string, keep int) (*LevelDBSnapshotStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb snapshot path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb snapshot path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb snapshot store: %w", err)
	}
	return &LevelDBSnapshotStore{db: db, keep: keep}, nil
}

func snapshotKey(height int64) []byte {
	key := make([]byte, len(snapshotKeyPrefix)+8)
	copy(key, snapshotKeyPrefix)
	binary.BigEndian.PutUint64(key[len(snapshotKeyPrefix):], uint64(height))
	return key
}

// Save writes the snapshot and prunes the oldest beyond keep
func (s *LevelDBSnapshotStore) Save(ctx context.Context, snap *core.SnapshotState) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := encodeSnapshot(snap)
	if err != nil {
		return 0, err
	}
	if err := s.db.Put(snapshotKey(snap.Height), data, nil); err != nil {
		return 0, fmt.Errorf("put snapshot %d: %w", snap.Height, err)
	}
	if err := s.prune(); err != nil {
		return len(data), fmt.Errorf("prune snapshots: %w", err)
	}
	return len(data), nil
}

// LoadLatest returns the highest snapshot, or nil if there is none
func (s *LevelDBSnapshotStore) LoadLatest(ctx context.Context) (*core.SnapshotState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(snapshotKeyPrefix)), nil)
	defer iter.Release()

	if !iter.Last() {
		if err := iter.Error(); err != nil && !errors.Is(err, leveldb.ErrNotFound) {
			return nil, err
		}
		return nil, nil
	}
	data := append([]byte(nil), iter.Value()...)
	return decodeSnapshot(data)
}

// Heights lists stored snapshot heights in ascending order
func (s *LevelDBSnapshotStore) Heights() ([]int64, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(snapshotKeyPrefix)), nil)
	defer iter.Release()

	var heights []int64
	for iter.Next() {
		heights = append(heights, int64(binary.BigEndian.Uint64(iter.Key()[len(snapshotKeyPrefix):])))
	}
	return heights, iter.Error()
}

func (s *LevelDBSnapshotStore) prune() error {
	if s.keep <= 0 {
		return nil
	}
	heights, err := s.Heights()
	if err != nil {
		return err
	}
	if len(heights) <= s.keep {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, h := range heights[:len(heights)-s.keep] {
		batch.Delete(snapshotKey(h))
	}
	return s.db.Write(batch, nil)
}

// Close releases the underlying LevelDB resources.
func (s *LevelDBSnapshotStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
