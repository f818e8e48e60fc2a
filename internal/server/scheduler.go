package server

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"pathfinder/internal/logging"
	"pathfinder/internal/session"
)

// schedulerHz is the tick frequency driving the orphan sweep and idle-probe
// pass; sub-second resolution keeps TTL and idle-timeout enforcement tight
// without burning CPU on a tight spin loop.
const schedulerHz = 4.0

// startScheduler runs a fixed-tick maintenance loop per domain, grounded on
// the teacher's simulation.Loop accumulator pattern: each tick sweeps
// orphaned services past their TTL and probes sessions that have gone idle
// past the domain's negotiated idle-time ceiling (§4.6).
func (s *Server) startScheduler(ctx context.Context) {
	interval := time.Duration(float64(time.Second) / schedulerHz)
	ticker := time.NewTicker(interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Server) tick() {
	s.mu.Lock()
	domains := append([]*domainRuntime{}, s.domains...)
	s.mu.Unlock()

	for _, rt := range domains {
		reaped := rt.store.SweepOrphans()
		if len(reaped) > 0 {
			s.log.Debug("swept orphaned services", logging.Int("count", len(reaped)))
		}

		_, idleMax := rt.store.IdleBounds()
		rt.mu.Lock()
		type probeCandidate struct {
			sess    *session.Session
			limiter *rate.Limiter
		}
		candidates := make([]probeCandidate, 0, len(rt.sessions))
		for sess := range rt.sessions {
			candidates = append(candidates, probeCandidate{sess: sess, limiter: rt.probeLimits[sess]})
		}
		rt.mu.Unlock()

		for _, c := range candidates {
			// A session owning a service with a tighter TTL than the
			// domain's idle ceiling is held to that tighter deadline (§4.6):
			// its liveness must be confirmed before the service it owns
			// could otherwise be reclaimed out from under it.
			deadline := idleMax
			if minTTL, ok := rt.store.MinOwnedServiceTTL(c.sess.ClientID()); ok && minTTL < deadline {
				deadline = minTTL
			}
			if c.limiter != nil {
				c.limiter.SetLimit(rate.Every(deadline))
			}
			if c.sess.IdleFor() < deadline {
				continue
			}
			// Rate-limit repeated track queries to at most one per
			// (tightened) idle window so an unresponsive peer is probed,
			// not flooded.
			if c.limiter != nil && !c.limiter.Allow() {
				continue
			}
			if !c.sess.Probe() {
				c.sess.Close()
			}
		}
	}
}
