// Package server binds Pathfinder domains to their configured listeners,
// drives the accept loop, and owns the background scheduler that sweeps
// orphaned services and probes idle sessions.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"pathfinder/internal/config"
	"pathfinder/internal/domain"
	"pathfinder/internal/httpops"
	"pathfinder/internal/logging"
	"pathfinder/internal/session"
	"pathfinder/internal/transport"
	"pathfinder/internal/wire"

	"golang.org/x/time/rate"
)

// queueDepth bounds the per-connection outbound buffer; a session whose
// writer cannot keep up is disconnected rather than allowed to grow
// unbounded memory, mirroring the teacher's enqueue-then-evict broadcast
// queue discipline.
const queueDepth = 256

// connOutbound adapts a transport.Conn's writer goroutine to session.Outbound.
type connOutbound struct {
	queue chan *wire.Message
	log   *logging.Logger
}

func newConnOutbound(log *logging.Logger) *connOutbound {
	return &connOutbound{queue: make(chan *wire.Message, queueDepth), log: log}
}

func (o *connOutbound) Enqueue(msg *wire.Message) {
	select {
	case o.queue <- msg:
	default:
		o.log.Warn("dropping slow session: outbound queue full")
	}
}

// domainRuntime bundles a running domain store with the connection bookkeeping
// needed to serve stats and drive liveness probes.
type domainRuntime struct {
	name      string
	store     *domain.Domain
	listeners []net.Listener
	opts      []domain.Option

	mu          sync.Mutex
	sessions    map[*session.Session]*connOutbound
	probeLimits map[*session.Session]*rate.Limiter
}

// Server owns every configured domain's listeners and the shared ops surface.
type Server struct {
	cfg *config.Config
	log *logging.Logger

	mu      sync.Mutex
	domains []*domainRuntime
	started time.Time

	opsServer *http.Server
	draining  atomic.Bool

	wg sync.WaitGroup
}

// New constructs a Server bound to cfg; it does not start listening until Run.
func New(cfg *config.Config, log *logging.Logger) *Server {
	if log == nil {
		log = logging.L()
	}
	return &Server{cfg: cfg, log: log}
}

// Run binds every configured domain's listeners and the ops surface, then
// blocks until ctx is cancelled, at which point every listener and
// connection is closed and Run returns.
func (s *Server) Run(ctx context.Context) error {
	s.started = time.Now()
	for _, dc := range s.cfg.Domains {
		rt, err := s.startDomain(ctx, dc)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.domains = append(s.domains, rt)
		s.mu.Unlock()
	}

	s.startOps(ctx)
	s.startScheduler(ctx)

	<-ctx.Done()
	s.shutdown()
	return nil
}

func (s *Server) startDomain(ctx context.Context, dc config.DomainConfig) (*domainRuntime, error) {
	store := domain.New(dc.Name,
		domain.WithCaps(toDomainCaps(s.cfg.Resources.Total), toDomainCaps(s.cfg.Resources.User)),
		domain.WithProtocolRange(dc.ProtocolVersion.Min, dc.ProtocolVersion.Max),
		domain.WithIdleRange(time.Duration(dc.Idle.Min)*time.Second, time.Duration(dc.Idle.Max)*time.Second),
	)
	rt := &domainRuntime{
		name:        dc.Name,
		store:       store,
		sessions:    make(map[*session.Session]*connOutbound),
		probeLimits: make(map[*session.Session]*rate.Limiter),
	}

	for _, sock := range dc.Sockets {
		addr, err := transport.ParseAddress(sock.Addr)
		if err != nil {
			return nil, err
		}
		if addr.Scheme == transport.SchemeWS || addr.Scheme == transport.SchemeWSS {
			s.startWSListener(ctx, rt, sock)
			continue
		}
		ln, scheme, err := transport.Listen(sock)
		if err != nil {
			return nil, err
		}
		rt.listeners = append(rt.listeners, ln)
		s.wg.Add(1)
		go s.acceptLoop(ctx, rt, ln, scheme)
	}
	return rt, nil
}

func (s *Server) startWSListener(ctx context.Context, rt *domainRuntime, sock config.SocketConfig) {
	addr, _ := transport.ParseAddress(sock.Addr)
	wsl := transport.NewWSListener(func(c transport.Conn) {
		s.serveConn(ctx, rt, c)
	})
	mux := http.NewServeMux()
	mux.Handle("/", wsl)
	srv := transport.ServeWS(addr.Target, mux)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("ws listener stopped", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
}

func (s *Server) acceptLoop(ctx context.Context, rt *domainRuntime, ln net.Listener, scheme transport.Scheme) {
	defer s.wg.Done()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Warn("accept failed", logging.Error(err))
				return
			}
		}
		conn := transport.NewStreamConn(nc, scheme)
		go s.serveConn(ctx, rt, conn)
	}
}

// serveConn wires one accepted connection's reader and writer goroutines to
// a freshly constructed session, synchronized through the domain's lock
// (§5 EXPANSION: goroutine-per-connection realisation of the cooperative
// single-threaded model).
func (s *Server) serveConn(ctx context.Context, rt *domainRuntime, conn transport.Conn) {
	out := newConnOutbound(s.log)
	sess := session.New(rt.store, out, conn.UserIdentity(), s.log)

	// Seeded with the domain-wide idle ceiling; the scheduler tightens this
	// limiter's rate every tick to the connection's owned-service minimum
	// TTL once one is known (§4.6, see scheduler.go's tick()).
	_, idleMax := rt.store.IdleBounds()
	rt.mu.Lock()
	rt.sessions[sess] = out
	rt.probeLimits[sess] = rate.NewLimiter(rate.Every(idleMax), 1)
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		delete(rt.sessions, sess)
		delete(rt.probeLimits, sess)
		rt.mu.Unlock()
		sess.Close()
		_ = conn.Close()
	}()

	done := make(chan struct{})
	go s.writePump(sess, conn, out, done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if c := sess.Compressor(); c != nil {
			if plain, derr := c.Decompress(raw); derr == nil {
				raw = plain
			}
		}
		msg, err := wire.Decode(raw)
		if err != nil {
			s.log.Warn("closing connection on malformed message", logging.Error(err))
			break
		}
		if !s.handleSafely(sess, msg) {
			break
		}
	}
	close(done)
}

// handleSafely dispatches one message to sess, recovering from any panic in
// the handler chain so a single misbehaving connection can never bring down
// the other sessions sharing this process (§7). It reports whether the
// connection should keep being served.
func (s *Server) handleSafely(sess *session.Session, msg *wire.Message) (alive bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovered from panic handling message", logging.Any("panic", r), logging.String("command", string(msg.Command)))
			sess.Close()
			alive = false
		}
	}()
	sess.Handle(msg)
	return sess.State() != session.StateClosed
}

func (s *Server) writePump(sess *session.Session, conn transport.Conn, out *connOutbound, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-out.queue:
			data, err := wire.Encode(msg)
			if err != nil {
				s.log.Warn("failed to encode outbound message", logging.Error(err))
				continue
			}
			if c := sess.Compressor(); c != nil {
				if packed, cerr := c.Compress(data); cerr == nil {
					data = packed
				}
			}
			if err := conn.WriteMessage(data); err != nil {
				return
			}
		}
	}
}

func toDomainCaps(c config.Caps) domain.Caps {
	return domain.Caps{Clients: c.Clients, Services: c.Services, Subscriptions: c.Subscriptions}
}

func (s *Server) startOps(ctx context.Context) {
	if s.cfg.Ops.Addr == "" {
		return
	}
	limiter := httpops.NewSlidingWindowLimiter(time.Second, 20, nil)
	handlers := httpops.NewHandlerSet(httpops.Options{Logger: s.log, Stats: s, RateLimiter: limiter})
	mux := http.NewServeMux()
	handlers.Register(mux)
	srv := &http.Server{Addr: s.cfg.Ops.Addr, Handler: logging.HTTPTraceMiddleware(s.log)(mux), ReadHeaderTimeout: 5 * time.Second}
	s.opsServer = srv
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("ops listener stopped", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
}

// Stats implements httpops.StatsProvider.
func (s *Server) Stats() []httpops.DomainStats {
	s.mu.Lock()
	domains := append([]*domainRuntime{}, s.domains...)
	s.mu.Unlock()

	out := make([]httpops.DomainStats, 0, len(domains))
	for _, rt := range domains {
		clients, services, subs, orphans := rt.store.Counts()
		out = append(out, httpops.DomainStats{Name: rt.name, Clients: clients, Services: services, Subscriptions: subs, Orphans: orphans})
	}
	return out
}

// Uptime implements httpops.StatsProvider.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.started)
}

// Draining implements httpops.StatsProvider; it reports true once shutdown
// has begun closing listeners (§13).
func (s *Server) Draining() bool {
	return s.draining.Load()
}

func (s *Server) shutdown() {
	s.draining.Store(true)
	s.mu.Lock()
	domains := append([]*domainRuntime{}, s.domains...)
	s.mu.Unlock()
	for _, rt := range domains {
		for _, ln := range rt.listeners {
			_ = ln.Close()
		}
	}
	s.wg.Wait()
}
