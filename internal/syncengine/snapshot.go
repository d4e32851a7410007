package syncengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"meshterm/internal/event"
	"meshterm/internal/node"
	"meshterm/internal/store"
)

const snapshotVersion = 2

type snapshotDoc struct {
	Version int             `json:"version"`
	Gen     uint64          `json:"gen"`
	TakenAt time.Time       `json:"taken_at"`
	Events  []snapshotEvent `json:"events"`
	Heads   []string        `json:"heads"`
	Keys    []snapshotKey   `json:"keys"`
}

type snapshotEvent struct {
	Hash   string            `json:"hash"`
	Author string            `json:"author"`
	Seq    uint64            `json:"seq"`
	Deps   []string          `json:"deps,omitempty"`
	Gen    uint64            `json:"gen"`
	At     time.Time         `json:"at"`
	Clock  map[string]uint64 `json:"clock"`
	Folded bool              `json:"folded,omitempty"`
}

type snapshotKey struct {
	Key    string          `json:"key"`
	Writes []snapshotWrite `json:"writes"`
}

type snapshotWrite struct {
	Hash  string          `json:"hash"`
	Value json.RawMessage `json:"value"`
}

func (c *core) encodeSnapshot() ([]byte, error) {
	doc := snapshotDoc{
		Version: snapshotVersion,
		Gen:     c.gen,
		TakenAt: c.now().UTC(),
		Events:  make([]snapshotEvent, 0, len(c.applied)),
		Keys:    make([]snapshotKey, 0, len(c.keys)),
	}
	for _, r := range c.applied {
		clock := make(map[string]uint64, len(r.clock))
		for a, s := range r.clock {
			clock[a.String()] = s
		}
		var deps []string
		for _, d := range r.deps {
			deps = append(deps, d.String())
		}
		doc.Events = append(doc.Events, snapshotEvent{
			Hash: r.hash.String(), Author: r.author.String(), Seq: r.seq, Deps: deps,
			Gen: r.gen, At: r.at.UTC(), Clock: clock, Folded: r.folded,
		})
	}
	sort.Slice(doc.Events, func(i, j int) bool { return doc.Events[i].Gen < doc.Events[j].Gen })
	for _, h := range c.headList() {
		doc.Heads = append(doc.Heads, h.String())
	}
	for k, e := range c.keys {
		sk := snapshotKey{Key: k}
		for _, w := range e.writes {
			sk.Writes = append(sk.Writes, snapshotWrite{Hash: w.rec.hash.String(), Value: w.value})
		}
		doc.Keys = append(doc.Keys, sk)
	}
	sort.Slice(doc.Keys, func(i, j int) bool { return doc.Keys[i].Key < doc.Keys[j].Key })
	return json.Marshal(doc)
}

func (c *core) decodeSnapshot(data []byte) error {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc.Version != snapshotVersion {
		return fmt.Errorf("snapshot version %d", doc.Version)
	}
	for _, se := range doc.Events {
		h, err := event.ParseHash(se.Hash)
		if err != nil {
			return err
		}
		author, err := node.ParsePeerID(se.Author)
		if err != nil {
			return err
		}
		clock := make(vclock, len(se.Clock))
		for a, s := range se.Clock {
			id, err := node.ParsePeerID(a)
			if err != nil {
				return err
			}
			clock[id] = s
		}
		deps := make([]event.Hash, 0, len(se.Deps))
		for _, raw := range se.Deps {
			d, err := event.ParseHash(raw)
			if err != nil {
				return err
			}
			deps = append(deps, d)
		}
		c.track(&record{
			hash: h, author: author, seq: se.Seq, deps: deps, clock: clock,
			gen: se.Gen, at: se.At, folded: se.Folded,
		})
	}
	for _, s := range doc.Heads {
		h, err := event.ParseHash(s)
		if err != nil {
			return err
		}
		c.heads[h] = struct{}{}
	}
	for _, sk := range doc.Keys {
		entry := &keyEntry{}
		for _, sw := range sk.Writes {
			h, err := event.ParseHash(sw.Hash)
			if err != nil {
				return err
			}
			rec, ok := c.applied[h]
			if !ok {
				return fmt.Errorf("snapshot write for %q references unknown event %s", sk.Key, h.Short())
			}
			entry.writes = append(entry.writes, write{rec: rec, value: sw.Value})
			rec.live++
		}
		c.keys[sk.Key] = entry
	}
	c.gen = doc.Gen
	c.lastCompaction = doc.TakenAt
	return nil
}

// reset clears state after a snapshot failed to decode halfway.
func (c *core) reset() {
	fresh := newCore(c.cfg, c.self, c.log, c.logger, c.metrics)
	fresh.now = c.now
	*c = *fresh
}

// restore loads the newest readable snapshot, then replays logged events
// the snapshot does not cover.
func (c *core) restore() error {
	loaded := false
	for _, slot := range []struct {
		name string
		load func() ([]byte, error)
	}{
		{"snapshot", c.log.LoadSnapshot},
		{"snapshot backup", c.log.LoadSnapshotBackup},
	} {
		data, err := slot.load()
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: load %s: %v", ErrStorage, slot.name, err)
		}
		if err := c.decodeSnapshot(data); err != nil {
			c.logger.Warn().Err(err).Str("slot", slot.name).Msg("unreadable snapshot")
			c.reset()
			continue
		}
		loaded = true
		break
	}

	var replay, unfold []event.Event
	err := c.log.ForEach(func(ev event.Event) error {
		if rec, ok := c.applied[ev.Hash]; ok {
			rec.inLog = true
			if rec.folded && !ev.Folded {
				unfold = append(unfold, ev)
			}
			return nil
		}
		replay = append(replay, ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: replay log: %v", ErrStorage, err)
	}
	sort.Slice(replay, func(i, j int) bool {
		if replay[i].Seq != replay[j].Seq {
			return replay[i].Seq < replay[j].Seq
		}
		return replay[i].Hash.Compare(replay[j].Hash) < 0
	})
	for _, ev := range unfold {
		if _, err := c.ingest(ev, false); err != nil {
			return err
		}
	}
	for _, ev := range replay {
		if err := ev.Validate(); err != nil {
			c.logger.Warn().Err(err).Str("hash", ev.Hash.Short()).Msg("skipping malformed logged event")
			continue
		}
		out, err := c.ingest(ev, false)
		if out == OutcomeRejected {
			c.logger.Warn().Err(err).Str("hash", ev.Hash.Short()).Msg("skipping logged event off its author chain")
			continue
		}
		if err != nil {
			return err
		}
	}
	c.logger.Info().
		Bool("snapshot", loaded).
		Int("replayed", len(replay)).
		Int("applied", len(c.applied)).
		Int("buffered", len(c.pending)).
		Msg("sync state restored")
	return nil
}

// writeSnapshot stores the current state, folding the given records' events
// in the log in the same transaction.
func (c *core) writeSnapshot(fold []*record) error {
	hashes := make([]event.Hash, len(fold))
	for i, r := range fold {
		r.folded = true
		hashes[i] = r.hash
	}
	data, err := c.encodeSnapshot()
	if err == nil {
		err = c.log.Compact(data, hashes)
		if err != nil {
			err = c.storageFailed("compact", err)
		}
	} else {
		err = fmt.Errorf("encode snapshot: %w", err)
	}
	if err != nil {
		for _, r := range fold {
			r.folded = false
		}
		return err
	}
	c.lastCompaction = c.now()
	return nil
}

// compact folds logged events past the retention horizon once none of
// their writes stands. The header stays in the log so peers that are
// behind can still fill in the author chain. Events a buffered event
// refers to are deferred to a later pass.
func (c *core) compact(now time.Time) (CompactResult, error) {
	var res CompactResult
	var fold []*record
	for h, r := range c.applied {
		if r.folded || r.live > 0 || !c.pastHorizon(r, now) {
			continue
		}
		if c.bufferedRefs[h] > 0 {
			res.Deferred++
			continue
		}
		fold = append(fold, r)
	}
	if err := c.writeSnapshot(fold); err != nil {
		return CompactResult{}, err
	}
	res.Dropped = len(fold)
	c.metrics.AddCompacted(len(fold))
	return res, nil
}

func (c *core) pastHorizon(r *record, now time.Time) bool {
	if c.cfg.KeepGenerations > 0 && c.gen-r.gen >= c.cfg.KeepGenerations {
		return true
	}
	if c.cfg.Retention > 0 && now.Sub(r.at) >= c.cfg.Retention {
		return true
	}
	return false
}
