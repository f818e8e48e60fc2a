// Package domain implements the authoritative in-memory service discovery
// domain: the client/service/subscription tables, resource accounting, and
// the subscription match engine that synthesises appeared/modified/
// disappeared notifications on every mutation.
package domain

import (
	"fmt"
	"sync"
	"time"

	"pathfinder/internal/filter"
	"pathfinder/internal/props"
)

// MatchType names the three notification kinds a subscription may receive.
type MatchType string

const (
	MatchAppeared    MatchType = "appeared"
	MatchModified    MatchType = "modified"
	MatchDisappeared MatchType = "disappeared"
)

// Sink receives notifications destined for one connected client. Session
// implements it; the store never blocks on a slow sink (implementations are
// expected to be non-blocking, mirroring the teacher's enqueue-then-evict
// broadcast pattern).
type Sink interface {
	Notify(subscriptionID int64, matchType MatchType, svc ServiceView)
}

// ServiceView is an immutable snapshot of a service record handed to
// notification callbacks and snapshot commands; it never aliases the store's
// internal properties map.
type ServiceView struct {
	ServiceID    int64
	Generation   int64
	Properties   props.Map
	TTL          time.Duration
	Owner        int64
	OrphanSince  *time.Time
}

// Client is a connected (or about to be orphaned) session's domain-visible
// state.
type Client struct {
	ID               int64
	UserIdentity     string
	ProtocolVersion  int
	ConnectedAt      time.Time
	Sink             Sink
	LastPingLatency  time.Duration
}

// ClientView is a snapshot returned by SnapshotClients.
type ClientView struct {
	ID              int64
	ProtocolVersion int
	ConnectedAt     time.Time
	IdleSeconds     float64
	PingLatencyMS   int64
}

type service struct {
	id          int64
	generation  int64
	properties  props.Map
	ttl         time.Duration
	owner       int64
	ownerUser   string
	orphanSince *time.Time
}

func (s *service) view() ServiceView {
	return ServiceView{
		ServiceID:   s.id,
		Generation:  s.generation,
		Properties:  s.properties.Clone(),
		TTL:         s.ttl,
		Owner:       s.owner,
		OrphanSince: s.orphanSince,
	}
}

type subscription struct {
	id         int64
	owner      int64
	filterText string
	node       *filter.Node
	matched    map[int64]struct{}
}

// SubscriptionView is a snapshot returned by SnapshotSubscriptions.
type SubscriptionView struct {
	ID     int64
	Owner  int64
	Filter string
}

// Caps bounds the number of clients/services/subscriptions a scope may hold.
// A zero field means "unlimited".
type Caps struct {
	Clients       int
	Services      int
	Subscriptions int
}

func (c Caps) allows(kind string, current int) bool {
	limit := 0
	switch kind {
	case "clients":
		limit = c.Clients
	case "services":
		limit = c.Services
	case "subscriptions":
		limit = c.Subscriptions
	}
	return limit <= 0 || current < limit
}

type counters struct {
	clients       int
	services      int
	subscriptions int
}

// Option configures a Domain at construction time, following the teacher's
// functional-options idiom (match.SessionOption).
type Option func(*Domain)

// WithCaps sets the per-domain and per-user resource ceilings.
func WithCaps(domainCaps, userCaps Caps) Option {
	return func(d *Domain) {
		d.domainCaps = domainCaps
		d.userCaps = userCaps
	}
}

// WithProtocolRange sets the negotiable protocol version bounds.
func WithProtocolRange(min, max int) Option {
	return func(d *Domain) {
		d.protoMin = min
		d.protoMax = max
	}
}

// WithIdleRange sets the negotiable idle-time policy bounds.
func WithIdleRange(min, max time.Duration) Option {
	return func(d *Domain) {
		d.idleMin = min
		d.idleMax = max
	}
}

// WithClock overrides the time source; tests inject a deterministic clock.
func WithClock(now func() time.Time) Option {
	return func(d *Domain) {
		if now != nil {
			d.now = now
		}
	}
}

// Domain is one namespace's authoritative object graph. All mutating
// operations hold d.mu for their entire duration, including notification
// fan-out, realising the "atomic relative to other sessions" guarantee of
// the single-threaded cooperative model without a literal single goroutine.
type Domain struct {
	mu sync.Mutex

	Name string

	clients       map[int64]*Client
	services      map[int64]*service
	subscriptions map[int64]*subscription
	userCounts    map[string]*counters

	domainCounts counters
	domainCaps   Caps
	userCaps     Caps

	protoMin, protoMax int
	idleMin, idleMax   time.Duration

	now func() time.Time
}

// New constructs an empty domain with the given name.
func New(name string, opts ...Option) *Domain {
	d := &Domain{
		Name:          name,
		clients:       make(map[int64]*Client),
		services:      make(map[int64]*service),
		subscriptions: make(map[int64]*subscription),
		userCounts:    make(map[string]*counters),
		protoMin:      2,
		protoMax:      3,
		idleMin:       4 * time.Second,
		idleMax:       30 * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Domain) userCounter(user string) *counters {
	c, ok := d.userCounts[user]
	if !ok {
		c = &counters{}
		d.userCounts[user] = c
	}
	return c
}

// NegotiateProtocol returns the version both ends support, or an error.
func (d *Domain) NegotiateProtocol(clientMin, clientMax int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	version := min(clientMax, d.protoMax)
	if version < max(clientMin, d.protoMin) {
		return 0, ErrUnsupportedProtocolVersion
	}
	return version, nil
}

// Hello registers a new client. It fails with ErrClientIDExists if the id is
// already live, or ErrInsufficientResources if admission caps are exceeded.
func (d *Domain) Hello(clientID int64, protocolVersion int, user string, sink Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.clients[clientID]; exists {
		return ErrClientIDExists
	}
	uc := d.userCounter(user)
	if !d.domainCaps.allows("clients", d.domainCounts.clients) || !d.userCaps.allows("clients", uc.clients) {
		return ErrInsufficientResources
	}
	d.clients[clientID] = &Client{
		ID:              clientID,
		UserIdentity:    user,
		ProtocolVersion: protocolVersion,
		ConnectedAt:     d.now(),
		Sink:            sink,
	}
	d.domainCounts.clients++
	uc.clients++
	return nil
}

// Disconnect removes a client: its owned services become orphans (emitting
// `modified` to every subscription that matches them) and its owned
// subscriptions are cancelled silently.
func (d *Domain) Disconnect(clientID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	client, ok := d.clients[clientID]
	if !ok {
		return
	}
	now := d.now()
	for _, svc := range d.services {
		if svc.owner != clientID || svc.orphanSince != nil {
			continue
		}
		svc.orphanSince = &now
		d.notifyMatching(svc, MatchModified)
	}
	for id, sub := range d.subscriptions {
		if sub.owner == clientID {
			delete(d.subscriptions, id)
			d.decrementSubscription(client.UserIdentity)
		}
	}
	delete(d.clients, clientID)
	d.domainCounts.clients--
	if uc, ok := d.userCounts[client.UserIdentity]; ok {
		uc.clients--
	}
}

// Publish inserts or overwrites a service record per the algorithm in
// §"Domain store and match engine". allowOwnerTransfer mirrors Unpublish's
// allowCrossUserRemoval: when false (the session layer's default), a
// higher-generation publish from a different owner against a still-live
// (non-orphan) record is rejected with ErrPermissionDenied rather than
// silently stealing ownership (§4.4 step 2). Reclaiming an orphaned record
// under a new owner is always allowed regardless of this flag.
func (d *Domain) Publish(owner int64, serviceID, generation int64, properties props.Map, ttl time.Duration, allowOwnerTransfer bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	client, ok := d.clients[owner]
	if !ok {
		return fmt.Errorf("publish: unknown owner %d", owner)
	}

	existing, exists := d.services[serviceID]
	if !exists {
		uc := d.userCounter(client.UserIdentity)
		if !d.domainCaps.allows("services", d.domainCounts.services) || !d.userCaps.allows("services", uc.services) {
			return ErrInsufficientResources
		}
		svc := &service{id: serviceID, generation: generation, properties: properties.Clone(), ttl: ttl, owner: owner, ownerUser: client.UserIdentity}
		d.services[serviceID] = svc
		d.domainCounts.services++
		uc.services++
		d.notifyMatching(svc, MatchAppeared)
		return nil
	}

	if generation == existing.generation {
		if existing.ttl != ttl || !existing.properties.Equal(properties) {
			return ErrSameGenerationButDifferent
		}
		if existing.owner == owner && existing.orphanSince == nil {
			return nil
		}
		// Identical content re-published while orphaned or by another client
		// is handled below as a reclaim or an ownership change.
	}
	if generation < existing.generation {
		return ErrOldGeneration
	}

	wasOrphan := existing.orphanSince != nil
	ownerChanged := existing.owner != owner
	if ownerChanged && !wasOrphan && !allowOwnerTransfer {
		return ErrPermissionDenied
	}
	identical := existing.properties.Equal(properties) && existing.ttl == ttl && !wasOrphan && !ownerChanged
	if identical {
		return nil
	}

	if ownerChanged {
		if uc, ok := d.userCounts[existing.ownerUser]; ok {
			uc.services--
		}
		uc := d.userCounter(client.UserIdentity)
		uc.services++
	}

	existing.generation = generation
	existing.properties = properties.Clone()
	existing.ttl = ttl
	existing.owner = owner
	existing.ownerUser = client.UserIdentity
	existing.orphanSince = nil

	d.recomputeMatches(existing)
	return nil
}

// Unpublish removes a service record.
func (d *Domain) Unpublish(owner int64, serviceID int64, allowCrossUserRemoval bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	svc, ok := d.services[serviceID]
	if !ok {
		return ErrNonExistentServiceID
	}
	if svc.owner != owner && !allowCrossUserRemoval {
		return ErrPermissionDenied
	}
	d.notifyMatching(svc, MatchDisappeared)
	for _, sub := range d.subscriptions {
		delete(sub.matched, serviceID)
	}
	delete(d.services, serviceID)
	d.domainCounts.services--
	if uc, ok := d.userCounts[svc.ownerUser]; ok {
		uc.services--
	}
	return nil
}

// Subscribe installs a subscription and synchronously delivers the initial
// `appeared` backlog for every currently matching service.
func (d *Domain) Subscribe(owner int64, subscriptionID int64, filterText string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	client, ok := d.clients[owner]
	if !ok {
		return fmt.Errorf("subscribe: unknown owner %d", owner)
	}
	if _, exists := d.subscriptions[subscriptionID]; exists {
		return ErrSubscriptionIDExists
	}
	var node *filter.Node
	if filterText != "" {
		n, err := filter.Parse(filterText)
		if err != nil {
			return ErrInvalidFilterSyntax
		}
		node = n
	}
	uc := d.userCounter(client.UserIdentity)
	if !d.domainCaps.allows("subscriptions", d.domainCounts.subscriptions) || !d.userCaps.allows("subscriptions", uc.subscriptions) {
		return ErrInsufficientResources
	}

	sub := &subscription{id: subscriptionID, owner: owner, filterText: filterText, node: node, matched: make(map[int64]struct{})}
	d.subscriptions[subscriptionID] = sub
	d.domainCounts.subscriptions++
	uc.subscriptions++

	for _, svc := range d.services {
		if filter.Match(node, svc.properties) {
			sub.matched[svc.id] = struct{}{}
			if client.Sink != nil {
				client.Sink.Notify(sub.id, MatchAppeared, svc.view())
			}
		}
	}
	return nil
}

// Unsubscribe removes a subscription. No further notify may be emitted on it
// afterward (P5).
func (d *Domain) Unsubscribe(owner int64, subscriptionID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sub, ok := d.subscriptions[subscriptionID]
	if !ok {
		return ErrNonExistentSubscriptionID
	}
	if sub.owner != owner {
		return ErrNonExistentSubscriptionID
	}
	delete(d.subscriptions, subscriptionID)
	if client, ok := d.clients[owner]; ok {
		d.decrementSubscription(client.UserIdentity)
	}
	return nil
}

func (d *Domain) decrementSubscription(user string) {
	d.domainCounts.subscriptions--
	if uc, ok := d.userCounts[user]; ok {
		uc.subscriptions--
	}
}

// notifyMatching enumerates every subscription matching svc's current
// properties and delivers matchType, adding membership for appeared and
// removing it for disappeared.
func (d *Domain) notifyMatching(svc *service, matchType MatchType) {
	for _, sub := range d.subscriptions {
		matches := filter.Match(sub.node, svc.properties)
		_, wasMember := sub.matched[svc.id]
		switch matchType {
		case MatchAppeared:
			if matches {
				sub.matched[svc.id] = struct{}{}
				d.deliver(sub, matchType, svc)
			}
		case MatchDisappeared:
			if wasMember {
				delete(sub.matched, svc.id)
				d.deliver(sub, matchType, svc)
			}
		case MatchModified:
			if wasMember {
				d.deliver(sub, matchType, svc)
			}
		}
	}
}

// recomputeMatches is used after a publish that changes an existing
// service's properties: it transitions each subscription's membership and
// emits appeared/modified/disappeared accordingly.
func (d *Domain) recomputeMatches(svc *service) {
	for _, sub := range d.subscriptions {
		matches := filter.Match(sub.node, svc.properties)
		_, wasMember := sub.matched[svc.id]
		switch {
		case matches && wasMember:
			d.deliver(sub, MatchModified, svc)
		case matches && !wasMember:
			sub.matched[svc.id] = struct{}{}
			d.deliver(sub, MatchAppeared, svc)
		case !matches && wasMember:
			delete(sub.matched, svc.id)
			d.deliver(sub, MatchDisappeared, svc)
		}
	}
}

func (d *Domain) deliver(sub *subscription, matchType MatchType, svc *service) {
	client, ok := d.clients[sub.owner]
	if !ok || client.Sink == nil {
		return
	}
	client.Sink.Notify(sub.id, matchType, svc.view())
}

// SnapshotServices returns every service matching the optional filter text
// (empty = match all), for the `services` command's snapshot semantics.
func (d *Domain) SnapshotServices(filterText string) ([]ServiceView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var node *filter.Node
	if filterText != "" {
		n, err := filter.Parse(filterText)
		if err != nil {
			return nil, ErrInvalidFilterSyntax
		}
		node = n
	}
	out := make([]ServiceView, 0, len(d.services))
	for _, svc := range d.services {
		if filter.Match(node, svc.properties) {
			out = append(out, svc.view())
		}
	}
	return out, nil
}

// SnapshotSubscriptions returns every currently installed subscription.
func (d *Domain) SnapshotSubscriptions() []SubscriptionView {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SubscriptionView, 0, len(d.subscriptions))
	for _, sub := range d.subscriptions {
		out = append(out, SubscriptionView{ID: sub.id, Owner: sub.owner, Filter: sub.filterText})
	}
	return out
}

// SnapshotClients returns every currently connected client.
func (d *Domain) SnapshotClients() []ClientView {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	out := make([]ClientView, 0, len(d.clients))
	for _, c := range d.clients {
		out = append(out, ClientView{
			ID:              c.ID,
			ProtocolVersion: c.ProtocolVersion,
			ConnectedAt:     c.ConnectedAt,
			IdleSeconds:     now.Sub(c.ConnectedAt).Seconds(),
			PingLatencyMS:   c.LastPingLatency.Milliseconds(),
		})
	}
	return out
}

// RecordLatency stores the most recently measured track-probe round-trip
// time for clientID, surfaced through SnapshotClients' ping-latency field
// (§4.3 v3 clients notification).
func (d *Domain) RecordLatency(clientID int64, latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[clientID]; ok {
		c.LastPingLatency = latency
	}
}

// MinOwnedServiceTTL reports the smallest TTL among services currently owned
// (non-orphan) by clientID, tightening the idle-time policy per §4.6.
func (d *Domain) MinOwnedServiceTTL(clientID int64) (time.Duration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var min time.Duration
	found := false
	for _, svc := range d.services {
		if svc.owner != clientID || svc.orphanSince != nil {
			continue
		}
		if !found || svc.ttl < min {
			min = svc.ttl
			found = true
		}
	}
	return min, found
}

// IdleBounds returns the domain's configured idle-time policy range.
func (d *Domain) IdleBounds() (time.Duration, time.Duration) {
	return d.idleMin, d.idleMax
}

// SweepOrphans removes every orphaned service whose TTL has elapsed,
// delivering the usual disappeared notifications, and returns the reaped
// service ids. Called periodically by the server's scheduler (the ticker +
// accumulator pattern used for the teacher's fixed-step simulation loop).
func (d *Domain) SweepOrphans() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var reaped []int64
	for id, svc := range d.services {
		if svc.orphanSince == nil {
			continue
		}
		if now.Sub(*svc.orphanSince) < svc.ttl {
			continue
		}
		d.notifyMatching(svc, MatchDisappeared)
		for _, sub := range d.subscriptions {
			delete(sub.matched, id)
		}
		delete(d.services, id)
		d.domainCounts.services--
		if uc, ok := d.userCounts[svc.ownerUser]; ok {
			uc.services--
		}
		reaped = append(reaped, id)
	}
	return reaped
}

// Counts reports the domain-wide current resource usage, for the ops surface.
func (d *Domain) Counts() (clients, services, subscriptions, orphans int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, svc := range d.services {
		if svc.orphanSince != nil {
			orphans++
		}
	}
	return d.domainCounts.clients, d.domainCounts.services, d.domainCounts.subscriptions, orphans
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
