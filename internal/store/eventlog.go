package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"meshterm/internal/event"
	"meshterm/internal/node"
)

var ErrNotFound = errors.New("not found")

var (
	eventsBucket  = []byte("events")
	authorsBucket = []byte("authors")
	metaBucket    = []byte("meta")

	snapshotKey       = []byte("snapshot")
	snapshotBackupKey = []byte("snapshot.back")
)

// EventLog is the content-addressed event store: events by hash, a
// per-author (seq, hash) index, and a snapshot slot with one backup.
type EventLog struct {
	db   *bbolt.DB
	path string
}

// Open opens (or creates) the event log at path.
func Open(path string) (*EventLog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("event log path is required")
	}
	clean := filepath.Clean(path)
	db, err := bbolt.Open(clean, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	l := &EventLog{db: db, path: clean}
	if err := l.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *EventLog) Path() string {
	return l.path
}

func (l *EventLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *EventLog) ensureBuckets() error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{eventsBucket, authorsBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func bucket(tx *bbolt.Tx, name []byte) (*bbolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("%s bucket is missing", name)
	}
	return b, nil
}

func authorKey(author node.PeerID, seq uint64, h event.Hash) []byte {
	key := make([]byte, 0, 32+8+32)
	key = append(key, author[:]...)
	key = binary.BigEndian.AppendUint64(key, seq)
	key = append(key, h[:]...)
	return key
}

// Append stores ev. Appending an event already present is a no-op, except
// that a full event replaces its folded form.
func (l *EventLog) Append(ev event.Event) error {
	data, err := event.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		events, err := bucket(tx, eventsBucket)
		if err != nil {
			return err
		}
		if old := events.Get(ev.Hash[:]); old != nil {
			if ev.Folded {
				return nil
			}
			prev, err := event.Unmarshal(old)
			if err == nil && !prev.Folded {
				return nil
			}
			return events.Put(ev.Hash[:], data)
		}
		authors, err := bucket(tx, authorsBucket)
		if err != nil {
			return err
		}
		if err := events.Put(ev.Hash[:], data); err != nil {
			return err
		}
		return authors.Put(authorKey(ev.Author, ev.Seq, ev.Hash), nil)
	})
}

// Get looks an event up by hash.
func (l *EventLog) Get(h event.Hash) (event.Event, error) {
	var ev event.Event
	err := l.db.View(func(tx *bbolt.Tx) error {
		events, err := bucket(tx, eventsBucket)
		if err != nil {
			return err
		}
		data := events.Get(h[:])
		if data == nil {
			return ErrNotFound
		}
		ev, err = event.Unmarshal(data)
		if err != nil {
			return fmt.Errorf("decode event %s: %w", h.Short(), err)
		}
		return nil
	})
	return ev, err
}

func (l *EventLog) Has(h event.Hash) (bool, error) {
	found := false
	err := l.db.View(func(tx *bbolt.Tx) error {
		events, err := bucket(tx, eventsBucket)
		if err != nil {
			return err
		}
		found = events.Get(h[:]) != nil
		return nil
	})
	return found, err
}

// ForEach visits every stored event in hash order.
func (l *EventLog) ForEach(fn func(event.Event) error) error {
	return l.db.View(func(tx *bbolt.Tx) error {
		events, err := bucket(tx, eventsBucket)
		if err != nil {
			return err
		}
		return events.ForEach(func(k, v []byte) error {
			ev, err := event.Unmarshal(v)
			if err != nil {
				return fmt.Errorf("decode event %x: %w", k[:4], err)
			}
			return fn(ev)
		})
	})
}

// Since returns up to limit events by author with seq > afterSeq, in
// sequence order.
func (l *EventLog) Since(author node.PeerID, afterSeq uint64, limit int) ([]event.Event, error) {
	var out []event.Event
	err := l.db.View(func(tx *bbolt.Tx) error {
		authors, err := bucket(tx, authorsBucket)
		if err != nil {
			return err
		}
		events, err := bucket(tx, eventsBucket)
		if err != nil {
			return err
		}
		start := binary.BigEndian.AppendUint64(append([]byte(nil), author[:]...), afterSeq+1)
		c := authors.Cursor()
		for k, _ := c.Seek(start); k != nil && bytes.HasPrefix(k, author[:]); k, _ = c.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			data := events.Get(k[40:])
			if data == nil {
				continue
			}
			ev, err := event.Unmarshal(data)
			if err != nil {
				return fmt.Errorf("decode event %x: %w", k[40:44], err)
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

func (l *EventLog) Count() (int, error) {
	n := 0
	err := l.db.View(func(tx *bbolt.Tx) error {
		events, err := bucket(tx, eventsBucket)
		if err != nil {
			return err
		}
		n = events.Stats().KeyN
		return nil
	})
	return n, err
}

// SaveSnapshot writes data to the snapshot slot, moving the previous
// snapshot to the backup slot.
func (l *EventLog) SaveSnapshot(data []byte) error {
	return l.Compact(data, nil)
}

// Compact writes the snapshot and folds the listed events in one
// transaction, so a crash leaves either the old snapshot with full events
// or the new one. A folded event keeps its header and signature; only the
// payload goes.
func (l *EventLog) Compact(snapshot []byte, fold []event.Hash) error {
	if len(snapshot) == 0 {
		return fmt.Errorf("empty snapshot")
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		meta, err := bucket(tx, metaBucket)
		if err != nil {
			return err
		}
		if prev := meta.Get(snapshotKey); prev != nil {
			if err := meta.Put(snapshotBackupKey, append([]byte(nil), prev...)); err != nil {
				return err
			}
		}
		if err := meta.Put(snapshotKey, snapshot); err != nil {
			return err
		}
		if len(fold) == 0 {
			return nil
		}
		events, err := bucket(tx, eventsBucket)
		if err != nil {
			return err
		}
		for _, h := range fold {
			data := events.Get(h[:])
			if data == nil {
				continue
			}
			ev, err := event.Unmarshal(data)
			if err != nil {
				return fmt.Errorf("decode event %s: %w", h.Short(), err)
			}
			if ev.Folded {
				continue
			}
			out, err := event.Marshal(ev.Fold())
			if err != nil {
				return fmt.Errorf("marshal event: %w", err)
			}
			if err := events.Put(h[:], out); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *EventLog) LoadSnapshot() ([]byte, error) {
	return l.loadMeta(snapshotKey)
}

func (l *EventLog) LoadSnapshotBackup() ([]byte, error) {
	return l.loadMeta(snapshotBackupKey)
}

func (l *EventLog) loadMeta(key []byte) ([]byte, error) {
	var out []byte
	err := l.db.View(func(tx *bbolt.Tx) error {
		meta, err := bucket(tx, metaBucket)
		if err != nil {
			return err
		}
		v := meta.Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}
