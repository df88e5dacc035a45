// Package checkpoint persists operation state in LevelDB so a restarted
// runtime can resume or inspect past operations. One database holds every
// operation, namespaced by key prefix:
//
//	op|<id>|meta     operation record (goal, options, status)
//	op|<id>|graph    serialized dual-graph snapshot
//	op|<id>|pending  unresolved intervention requests
//	ev|<id>|<seq>    event tail, seq zero-padded for range scans
package checkpoint

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/redgraph/redgraph/internal/types"
)

// Meta is the persisted operation record.
type Meta struct {
	ID        string                `json:"id"`
	Goal      string                `json:"goal"`
	Options   types.Options         `json:"options"`
	Status    types.OperationStatus `json:"status"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// Store wraps one LevelDB database.
type Store struct {
	db *leveldb.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func metaKey(opID string) []byte    { return []byte("op|" + opID + "|meta") }
func graphKey(opID string) []byte   { return []byte("op|" + opID + "|graph") }
func pendingKey(opID string) []byte { return []byte("op|" + opID + "|pending") }
func eventKey(opID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("ev|%s|%020d", opID, seq))
}

// SaveState writes meta, graph, and pending interventions in one batch, so a
// crash never leaves a checkpoint with a graph from one commit and meta from
// another.
func (s *Store) SaveState(meta Meta, graphSnapshot []byte, pending any) error {
	meta.UpdatedAt = time.Now().UTC()
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal meta: %w", err)
	}
	pendingBytes, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal pending: %w", err)
	}
	batch := new(leveldb.Batch)
	batch.Put(metaKey(meta.ID), metaBytes)
	if graphSnapshot != nil {
		batch.Put(graphKey(meta.ID), graphSnapshot)
	}
	batch.Put(pendingKey(meta.ID), pendingBytes)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("checkpoint: write %s: %w", meta.ID, err)
	}
	return nil
}

// LoadMeta reads one operation record.
func (s *Store) LoadMeta(opID string) (Meta, error) {
	raw, err := s.db.Get(metaKey(opID), nil)
	if err != nil {
		return Meta{}, fmt.Errorf("checkpoint: load meta %s: %w", opID, err)
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return Meta{}, fmt.Errorf("checkpoint: decode meta %s: %w", opID, err)
	}
	return m, nil
}

// LoadGraph reads the serialized graph snapshot.
func (s *Store) LoadGraph(opID string) ([]byte, error) {
	raw, err := s.db.Get(graphKey(opID), nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load graph %s: %w", opID, err)
	}
	return raw, nil
}

// LoadPending decodes the persisted pending-intervention set into out.
func (s *Store) LoadPending(opID string, out any) error {
	raw, err := s.db.Get(pendingKey(opID), nil)
	if err != nil {
		return fmt.Errorf("checkpoint: load pending %s: %w", opID, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("checkpoint: decode pending %s: %w", opID, err)
	}
	return nil
}

// AppendEvent persists one event on the operation's tail.
func (s *Store) AppendEvent(opID string, ev types.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal event: %w", err)
	}
	if err := s.db.Put(eventKey(opID, ev.Seq), raw, nil); err != nil {
		return fmt.Errorf("checkpoint: append event %s/%d: %w", opID, ev.Seq, err)
	}
	return nil
}

// Events reads the persisted tail from seq onward.
func (s *Store) Events(opID string, fromSeq uint64) ([]types.Event, error) {
	rng := &util.Range{
		Start: eventKey(opID, fromSeq),
		Limit: []byte("ev|" + opID + "|~"),
	}
	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()
	var out []types.Event
	for iter.Next() {
		var ev types.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("checkpoint: decode event %s: %w", iter.Key(), err)
		}
		out = append(out, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("checkpoint: scan events %s: %w", opID, err)
	}
	return out, nil
}

// ListOperations returns every persisted operation record.
func (s *Store) ListOperations() ([]Meta, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte("op|")), nil)
	defer iter.Release()
	var out []Meta
	for iter.Next() {
		if !strings.HasSuffix(string(iter.Key()), "|meta") {
			continue
		}
		var m Meta
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("checkpoint: decode %s: %w", iter.Key(), err)
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("checkpoint: scan operations: %w", err)
	}
	return out, nil
}
