package daemon

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"meshterm/internal/discovery"
	"meshterm/internal/gossip"
)

const maxConcurrentDials = 8

// dialLoop takes due candidates from the discovery table and dials them,
// at most maxConcurrentDials at a time. Every outcome goes back to the
// table so it can schedule the next attempt.
func (r *Runner) dialLoop(ctx context.Context) error {
	sem := semaphore.NewWeighted(maxConcurrentDials)
	for {
		var c discovery.Candidate
		select {
		case <-ctx.Done():
			return nil
		case c = <-r.Table.Available():
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		go func() {
			defer sem.Release(1)
			r.dial(ctx, c)
		}()
	}
}

func (r *Runner) dial(ctx context.Context, c discovery.Candidate) {
	dctx, cancel := context.WithTimeout(ctx, 2*r.cfg.Gossip.HandshakeTimeout)
	defer cancel()
	start := time.Now()
	id, err := r.Gossip.Dial(dctx, c.Addr, c.ID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.Table.ReportFailed(c, err)
		return
	}
	r.Table.ReportConnected(c, id, false)
	r.log.Debug().Str("peer", id.Short()).Str("addr", c.Addr).Dur("took", time.Since(start)).Msg("dialed")
}

// peerLoop mirrors transport connectivity into the discovery table and
// starts catch-up with every peer that comes up.
func (r *Runner) peerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.Gossip.Events():
			r.onPeerEvent(ctx, ev)
		}
	}
}

func (r *Runner) onPeerEvent(ctx context.Context, ev gossip.PeerEvent) {
	if !ev.Up {
		r.Table.ReportLost(ev.ID)
		l := r.log.Info().Str("peer", ev.ID.Short())
		if ev.Err != nil && !errors.Is(ev.Err, context.Canceled) {
			l = l.Err(ev.Err)
		}
		l.Msg("peer down")
		return
	}
	if ev.Inbound && ev.ListenAddr != "" {
		// Learn the inbound peer's advertised address so we can redial it.
		r.Table.ReportConnected(discovery.Candidate{
			ID:   ev.ID,
			Addr: discovery.AdvertisedAddr(ev.ListenAddr, ev.Remote),
			Name: ev.Name,
		}, ev.ID, true)
	}
	r.log.Info().Str("peer", ev.ID.Short()).Str("name", ev.Name).Bool("inbound", ev.Inbound).Msg("peer up")
	r.sendSummary(ctx, ev.ID)
}
