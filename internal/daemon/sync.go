package daemon

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"meshterm/internal/debuglog"
	"meshterm/internal/event"
	"meshterm/internal/gossip"
	"meshterm/internal/node"
	"meshterm/internal/proto"
	"meshterm/internal/syncengine"
)

const antiEntropyInterval = 30 * time.Second

// handleEvent feeds a gossiped event to the engine. Returning an error
// charges the sender a strike and stops the flood, so only events that
// fail verification do that.
func (r *Runner) handleEvent(ctx context.Context, m gossip.Message) error {
	ev, err := event.Unmarshal(m.Data)
	if err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	out, err := r.Engine.IngestRemote(ctx, ev)
	switch {
	case out == syncengine.OutcomeRejected:
		return err
	case err != nil:
		if !errors.Is(err, syncengine.ErrClosed) && ctx.Err() == nil {
			r.log.Warn().Err(err).Str("hash", ev.Hash.Short()).Msg("ingest event")
		}
		return nil
	}
	if out == syncengine.OutcomeBuffered && !m.From.IsZero() {
		// A gap: ask whoever sent it for what we lack.
		if r.gaps.Allow(m.From.String()) {
			r.sendSummary(ctx, m.From)
		}
	}
	return nil
}

// handleSummary answers a peer's frontier with the events it lacks.
func (r *Runner) handleSummary(ctx context.Context, m gossip.Message) error {
	if !m.Direct {
		return errors.New("sync summary must be sent direct")
	}
	msg, err := proto.DecodeSyncSummaryMsg(m.Data)
	if err != nil {
		return err
	}
	remote := make(map[node.PeerID]uint64, len(msg.Frontier))
	for hexID, seq := range msg.Frontier {
		id, err := node.ParsePeerID(hexID)
		if err != nil {
			return err
		}
		remote[id] = seq
	}
	missing, err := r.Engine.Missing(ctx, remote, r.cfg.Sync.MissingLimit)
	if err != nil {
		return nil
	}
	sent := 0
	for _, ev := range missing {
		data, err := event.Marshal(ev)
		if err != nil {
			continue
		}
		if err := r.Gossip.SendDirect(m.From, TopicEvents, data); err != nil {
			debuglog.RateLimited(r.warn, "catchup:"+m.From.String(), r.log.Debug()).
				Err(err).Str("peer", m.From.Short()).Int("sent", sent).Msg("catch-up cut short")
			break
		}
		sent++
	}
	if sent > 0 {
		r.log.Debug().Str("peer", m.From.Short()).Int("events", sent).Msg("sent catch-up")
	}
	return nil
}

// sendSummary tells a peer how far we have seen each author so it can fill
// in the rest.
func (r *Runner) sendSummary(ctx context.Context, to node.PeerID) {
	frontier, err := r.Engine.Summary(ctx)
	if err != nil {
		return
	}
	msg := proto.SyncSummaryMsg{Frontier: make(map[string]uint64, len(frontier))}
	for id, seq := range frontier {
		msg.Frontier[id.String()] = seq
	}
	data, err := proto.EncodeSyncSummaryMsg(msg)
	if err != nil {
		r.log.Error().Err(err).Msg("encode sync summary")
		return
	}
	if err := r.Gossip.SendDirect(to, TopicSync, data); err != nil {
		debuglog.RateLimited(r.warn, "summary:"+to.String(), r.log.Debug()).
			Err(err).Str("peer", to.Short()).Msg("send sync summary")
	}
}

// antiEntropyLoop periodically exchanges summaries with one random peer so
// gaps left by dropped frames close without waiting for a reconnect.
func (r *Runner) antiEntropyLoop(ctx context.Context) error {
	tick := time.NewTicker(antiEntropyInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			peers := r.Gossip.Peers()
			if len(peers) == 0 {
				continue
			}
			r.sendSummary(ctx, peers[rand.Intn(len(peers))].ID)
		}
	}
}
