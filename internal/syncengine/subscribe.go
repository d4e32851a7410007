package syncengine

import (
	"encoding/json"
	"strings"
	"sync/atomic"

	"meshterm/internal/event"
	"meshterm/internal/node"
)

// Notification reports a change of the visible value of Key.
type Notification struct {
	Key     string
	Value   json.RawMessage
	Deleted bool
	Author  node.PeerID
	Seq     uint64
	Hash    event.Hash
}

// Subscription is a bounded stream of notifications. Holders keep only the
// token; the owner never blocks on a slow reader and counts what it drops.
type Subscription struct {
	C <-chan Notification

	ch      chan Notification
	prefix  string
	token   uint64
	dropped atomic.Uint64
}

func (s *Subscription) Token() uint64 {
	return s.token
}

// Dropped counts notifications lost because the channel was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (c *core) subscribe(prefix string) *Subscription {
	c.subToken++
	ch := make(chan Notification, c.cfg.SubscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, prefix: prefix, token: c.subToken}
	c.subs[sub.token] = sub
	return sub
}

func (c *core) unsubscribe(token uint64) {
	if sub, ok := c.subs[token]; ok {
		delete(c.subs, token)
		close(sub.ch)
	}
}

func (c *core) closeSubscriptions() {
	for token := range c.subs {
		c.unsubscribe(token)
	}
}

func (c *core) notify(key string, w write) {
	if len(c.subs) == 0 {
		return
	}
	n := Notification{
		Key:     key,
		Deleted: event.IsNull(w.value),
		Author:  w.rec.author,
		Seq:     w.rec.seq,
		Hash:    w.rec.hash,
	}
	if !n.Deleted {
		n.Value = w.value
	}
	for _, sub := range c.subs {
		if !strings.HasPrefix(key, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			sub.dropped.Add(1)
		}
	}
}
