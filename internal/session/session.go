// Package session implements the per-connection protocol state machine:
// UNGREETED -> READY -> CLOSED, transaction tracking, and the per-command
// dispatch table that drives the domain store.
package session

import (
	"fmt"
	"sync"
	"time"

	"pathfinder/internal/domain"
	"pathfinder/internal/logging"
	"pathfinder/internal/props"
	"pathfinder/internal/wire"
)

// State is the connection-level protocol state.
type State int

const (
	StateUngreeted State = iota
	StateReady
	StateClosed
)

// txKind distinguishes the two transaction state machines (§4.5).
type txKind int

const (
	txSingle txKind = iota
	txMulti
)

type transaction struct {
	kind       txKind
	command    wire.Command
	terminated bool
	accepted   bool
}

// Outbound is the sink a Session writes wire messages to; the transport
// layer supplies a non-blocking, best-effort implementation (mirroring the
// teacher's enqueue-then-evict broadcast queue).
type Outbound interface {
	Enqueue(msg *wire.Message)
}

// Session owns one client connection's protocol state. It is not safe for
// concurrent use from more than one reader goroutine; the transport layer
// guarantees in-order delivery of inbound messages to Handle.
type Session struct {
	mu sync.Mutex

	domain *domain.Domain
	out    Outbound
	log    *logging.Logger

	clientID        int64
	helloed         bool
	state           State
	protocolVersion int
	userIdentity    string
	connectedAt     time.Time
	lastActivity    time.Time

	transactions map[int64]*transaction

	// subscriptionTx maps a subscription-id to the ta-id of the `subscribe`
	// transaction that owns it, so store-originated notifications (which
	// only know the subscription-id) land on the right open transaction.
	subscriptionTx map[int64]int64

	trackTaID   int64
	hasTrack    bool
	probeSentAt time.Time

	// compressor is the wire codec negotiated at hello time (§11 EXPANSION);
	// nil means no compression, the default until a client offers one this
	// server also supports.
	compressor wire.Compressor
}

// New constructs a Session bound to the given domain and outbound sink. The
// client identity is not known until `hello` is processed.
func New(d *domain.Domain, out Outbound, userIdentity string, log *logging.Logger) *Session {
	if log == nil {
		log = logging.L()
	}
	return &Session{
		domain:       d,
		out:          out,
		log:          log,
		state:        StateUngreeted,
		userIdentity: userIdentity,
		transactions:   make(map[int64]*transaction),
		subscriptionTx: make(map[int64]int64),
		lastActivity: time.Now(),
	}
}

// sinkAdapter adapts a Session to domain.Sink so the store can deliver
// subscription notifications directly onto this connection's outbound queue.
type sinkAdapter struct{ s *Session }

func (a sinkAdapter) Notify(subscriptionID int64, matchType domain.MatchType, svc domain.ServiceView) {
	a.s.deliverNotify(subscriptionID, matchType, svc)
}

// ClientID returns the negotiated client identifier, valid once READY.
func (s *Session) ClientID() int64 { return s.clientID }

// Compressor returns the wire codec negotiated at hello time, or nil if
// none was negotiated.
func (s *Session) Compressor() wire.Compressor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compressor
}

// State reports the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch records inbound activity for idle-liveness accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleFor reports how long it has been since the last inbound message.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// Close terminates every open transaction and, if the client completed
// hello, disconnects it from the domain (orphaning owned services, dropping
// owned subscriptions). Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	for _, tx := range s.transactions {
		tx.terminated = true
	}
	clientID := s.clientID
	helloed := s.helloed
	s.mu.Unlock()

	if helloed {
		s.domain.Disconnect(clientID)
	}
}

// Handle processes one decoded inbound message, synchronously dispatching it
// against the domain store and enqueueing any resulting replies. Handle must
// be called from a single goroutine per session (the connection's reader).
func (s *Session) Handle(msg *wire.Message) {
	s.Touch()
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if msg.Type == wire.MsgNotify && msg.Command == wire.CmdTrack {
		if msg.TrackType == "reply" {
			// The peer answering a server-issued `track query` probe: record
			// the round-trip latency instead of echoing another reply, which
			// would otherwise ping-pong forever.
			s.recordProbeLatency()
			return
		}
		// A client-originated liveness probe: the server answers in kind on
		// the same transaction, never treating it as a new request.
		s.notifyRaw(msg.TaID, wire.CmdTrack, map[string]any{"track-type": "reply"})
		return
	}
	if msg.Type != wire.MsgRequest {
		s.failConnection(msg, "unsolicited non-request message")
		return
	}

	if state == StateUngreeted && msg.Command != wire.CmdHello {
		s.reply(msg.TaID, msg.Command, wire.MsgFail, map[string]any{"fail-reason": "no-hello"})
		return
	}

	if !s.registerTransaction(msg) {
		s.failConnection(msg, "duplicate transaction id")
		return
	}

	switch msg.Command {
	case wire.CmdHello:
		s.handleHello(msg)
	case wire.CmdPing:
		s.completeSingle(msg.TaID, wire.CmdPing, nil)
	case wire.CmdPublish:
		s.handlePublish(msg)
	case wire.CmdUnpublish:
		s.handleUnpublish(msg)
	case wire.CmdSubscribe:
		s.handleSubscribe(msg)
	case wire.CmdUnsubscribe:
		s.handleUnsubscribe(msg)
	case wire.CmdServices:
		s.handleServices(msg)
	case wire.CmdSubscriptions:
		s.handleSubscriptions(msg)
	case wire.CmdClients:
		s.handleClients(msg)
	case wire.CmdTrack:
		s.handleTrack(msg)
	default:
		s.failConnection(msg, "unknown command")
	}
}

func (s *Session) registerTransaction(msg *wire.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.transactions[msg.TaID]; ok && !existing.terminated {
		return false
	}
	kind := txSingle
	if isMultiResponse(msg.Command) {
		kind = txMulti
	}
	s.transactions[msg.TaID] = &transaction{kind: kind, command: msg.Command}
	return true
}

func isMultiResponse(cmd wire.Command) bool {
	switch cmd {
	case wire.CmdSubscribe, wire.CmdServices, wire.CmdSubscriptions, wire.CmdClients, wire.CmdTrack:
		return true
	default:
		return false
	}
}

func (s *Session) handleHello(msg *wire.Message) {
	s.mu.Lock()
	already := s.state == StateReady
	sameID := s.clientID == msg.ClientID
	s.mu.Unlock()

	if already {
		if !sameID {
			s.reply(msg.TaID, wire.CmdHello, wire.MsgFail, map[string]any{"fail-reason": "client-id-exists"})
			return
		}
		s.completeSingle(msg.TaID, wire.CmdHello, map[string]any{"protocol-version": s.protocolVersion})
		return
	}

	version, err := s.domain.NegotiateProtocol(msg.ProtoMinClient, msg.ProtoMaxClient)
	if err != nil {
		s.reply(msg.TaID, wire.CmdHello, wire.MsgFail, map[string]any{"fail-reason": "unsupported-protocol-version"})
		return
	}
	if err := s.domain.Hello(msg.ClientID, version, s.userIdentity, sinkAdapter{s}); err != nil {
		s.reply(msg.TaID, wire.CmdHello, wire.MsgFail, map[string]any{"fail-reason": err.Error()})
		return
	}

	compressor, chosen := pickCompressor(msg.CompressionOffer)

	s.mu.Lock()
	s.clientID = msg.ClientID
	s.protocolVersion = version
	s.connectedAt = time.Now()
	s.state = StateReady
	s.helloed = true
	s.compressor = compressor
	s.mu.Unlock()

	fields := map[string]any{"protocol-version": version}
	if chosen != "" {
		fields["compression"] = chosen
	}
	s.completeSingle(msg.TaID, wire.CmdHello, fields)
}

// pickCompressor negotiates a wire codec from the client's offered list
// (§11 EXPANSION), preferring the higher-ratio zstd codec when both are
// offered. Returns (nil, "") when nothing offered is supported here.
func pickCompressor(offered []string) (wire.Compressor, string) {
	for _, name := range []string{"zstd", "snappy"} {
		for _, o := range offered {
			if o != name {
				continue
			}
			if c, ok := wire.ByName(name); ok {
				return c, name
			}
		}
	}
	return nil, ""
}

func (s *Session) handlePublish(msg *wire.Message) {
	// allowOwnerTransfer is always false here: only the owning client may
	// take over a live (non-orphan) service record (§4.4 step 2); reclaiming
	// an orphan is unaffected, since Publish only gates live ownership.
	err := s.domain.Publish(s.clientID, msg.ServiceID, msg.Generation, msg.Properties, time.Duration(msg.TTL)*time.Second, false)
	if err != nil {
		s.reply(msg.TaID, wire.CmdPublish, wire.MsgFail, map[string]any{"fail-reason": err.Error()})
		return
	}
	s.completeSingle(msg.TaID, wire.CmdPublish, nil)
}

func (s *Session) handleUnpublish(msg *wire.Message) {
	err := s.domain.Unpublish(s.clientID, msg.ServiceID, false)
	if err != nil {
		s.reply(msg.TaID, wire.CmdUnpublish, wire.MsgFail, map[string]any{"fail-reason": err.Error()})
		return
	}
	s.completeSingle(msg.TaID, wire.CmdUnpublish, nil)
}

func (s *Session) handleSubscribe(msg *wire.Message) {
	s.accept(msg.TaID, wire.CmdSubscribe)

	// Register the subscription-id -> ta-id mapping before invoking the
	// store: Subscribe delivers the initial `appeared` backlog synchronously
	// and those notifications must already be able to resolve this
	// transaction.
	s.mu.Lock()
	s.subscriptionTx[msg.SubscriptionID] = msg.TaID
	s.mu.Unlock()

	if err := s.domain.Subscribe(s.clientID, msg.SubscriptionID, msg.Filter); err != nil {
		s.mu.Lock()
		delete(s.subscriptionTx, msg.SubscriptionID)
		s.mu.Unlock()
		s.completeMulti(msg.TaID, wire.CmdSubscribe, wire.MsgFail, map[string]any{"fail-reason": err.Error()})
		return
	}
	// The subscribe transaction stays open (ACCEPTED) for the lifetime of
	// the subscription: it is driven to `complete` only by a later
	// `unsubscribe` (or terminated outright by connection close), never
	// here -- it keeps receiving `notify` as services appear/change/vanish.
}

func (s *Session) handleUnsubscribe(msg *wire.Message) {
	err := s.domain.Unsubscribe(s.clientID, msg.SubscriptionID)
	if err != nil {
		s.reply(msg.TaID, wire.CmdUnsubscribe, wire.MsgFail, map[string]any{"fail-reason": err.Error()})
		return
	}
	s.mu.Lock()
	subscribeTaID, ok := s.subscriptionTx[msg.SubscriptionID]
	delete(s.subscriptionTx, msg.SubscriptionID)
	s.mu.Unlock()
	if ok {
		s.completeMulti(subscribeTaID, wire.CmdSubscribe, wire.MsgComplete, nil)
	}
	s.completeSingle(msg.TaID, wire.CmdUnsubscribe, nil)
}

func (s *Session) handleServices(msg *wire.Message) {
	s.accept(msg.TaID, wire.CmdServices)
	views, err := s.domain.SnapshotServices(msg.Filter)
	if err != nil {
		s.completeMulti(msg.TaID, wire.CmdServices, wire.MsgFail, map[string]any{"fail-reason": err.Error()})
		return
	}
	for _, v := range views {
		s.notifyRaw(msg.TaID, wire.CmdServices, serviceFields(v))
	}
	s.completeMulti(msg.TaID, wire.CmdServices, wire.MsgComplete, nil)
}

func (s *Session) handleSubscriptions(msg *wire.Message) {
	s.accept(msg.TaID, wire.CmdSubscriptions)
	for _, v := range s.domain.SnapshotSubscriptions() {
		fields := map[string]any{"subscription-id": v.ID}
		if v.Filter != "" {
			fields["filter"] = v.Filter
		}
		s.notifyRaw(msg.TaID, wire.CmdSubscriptions, fields)
	}
	s.completeMulti(msg.TaID, wire.CmdSubscriptions, wire.MsgComplete, nil)
}

func (s *Session) handleClients(msg *wire.Message) {
	s.accept(msg.TaID, wire.CmdClients)
	for _, v := range s.domain.SnapshotClients() {
		fields := map[string]any{"client-id": v.ID}
		if s.protocolVersion >= 3 {
			fields["protocol-version"] = v.ProtocolVersion
			fields["idle-seconds"] = v.IdleSeconds
			if v.PingLatencyMS > 0 {
				fields["ping-latency-ms"] = v.PingLatencyMS
			}
		}
		s.notifyRaw(msg.TaID, wire.CmdClients, fields)
	}
	s.completeMulti(msg.TaID, wire.CmdClients, wire.MsgComplete, nil)
}

func (s *Session) handleTrack(msg *wire.Message) {
	s.mu.Lock()
	s.trackTaID = msg.TaID
	s.hasTrack = true
	s.mu.Unlock()
	s.accept(msg.TaID, wire.CmdTrack)
}

// Probe is invoked by the scheduler when this session has been idle past its
// computed maximum idle time (§4.6). If a track transaction is open, it
// issues a `track query` notify; otherwise the caller should close the
// connection.
func (s *Session) Probe() (hasTrack bool) {
	s.mu.Lock()
	taID := s.trackTaID
	hasTrack = s.hasTrack
	if hasTrack {
		s.probeSentAt = time.Now()
	}
	s.mu.Unlock()
	if !hasTrack {
		return false
	}
	s.notifyRaw(taID, wire.CmdTrack, map[string]any{"track-type": "query"})
	return true
}

// recordProbeLatency measures the round trip of the most recently issued
// `track query` probe and stores it on the domain's client record, surfaced
// via the v3 `clients` notification's ping-latency field (§4.3).
func (s *Session) recordProbeLatency() {
	s.mu.Lock()
	sentAt := s.probeSentAt
	s.probeSentAt = time.Time{}
	clientID := s.clientID
	s.mu.Unlock()
	if sentAt.IsZero() {
		return
	}
	s.domain.RecordLatency(clientID, time.Since(sentAt))
}

func (s *Session) deliverNotify(subscriptionID int64, matchType domain.MatchType, svc domain.ServiceView) {
	s.mu.Lock()
	taID, ok := s.subscriptionTx[subscriptionID]
	s.mu.Unlock()
	if !ok {
		// The subscription was cancelled racing with this notification; P5
		// forbids emitting it.
		return
	}
	fields := serviceFields(svc)
	fields["match-type"] = string(matchType)
	s.notifyRaw(taID, wire.CmdSubscribe, fields)
}

func serviceFields(v domain.ServiceView) map[string]any {
	fields := map[string]any{
		"service-id": v.ServiceID,
		"generation": v.Generation,
		"ttl":        int64(v.TTL / time.Second),
	}
	encoded := make(map[string][]any, len(v.Properties))
	for _, key := range v.Properties.Keys() {
		vs := v.Properties.Values(key)
		raws := make([]any, 0, len(vs))
		for _, pv := range vs {
			raws = append(raws, pv.Raw())
		}
		encoded[key] = raws
	}
	fields["properties"] = encoded
	return fields
}

func (s *Session) accept(taID int64, cmd wire.Command) {
	s.mu.Lock()
	if tx, ok := s.transactions[taID]; ok {
		tx.accepted = true
	}
	s.mu.Unlock()
	s.out.Enqueue(&wire.Message{Command: cmd, TaID: taID, Type: wire.MsgAccept})
}

func (s *Session) notifyRaw(taID int64, cmd wire.Command, fields map[string]any) {
	s.mu.Lock()
	tx, ok := s.transactions[taID]
	terminated := !ok || tx.terminated
	s.mu.Unlock()
	if terminated {
		return
	}
	m := fieldsToMessage(cmd, taID, wire.MsgNotify, fields)
	s.out.Enqueue(m)
}

func (s *Session) completeSingle(taID int64, cmd wire.Command, fields map[string]any) {
	s.mu.Lock()
	if tx, ok := s.transactions[taID]; ok {
		tx.terminated = true
	}
	s.mu.Unlock()
	s.out.Enqueue(fieldsToMessage(cmd, taID, wire.MsgComplete, fields))
}

func (s *Session) completeMulti(taID int64, cmd wire.Command, typ wire.MsgType, fields map[string]any) {
	s.mu.Lock()
	if tx, ok := s.transactions[taID]; ok {
		tx.terminated = true
	}
	s.mu.Unlock()
	s.out.Enqueue(fieldsToMessage(cmd, taID, typ, fields))
}

func (s *Session) reply(taID int64, cmd wire.Command, typ wire.MsgType, fields map[string]any) {
	s.mu.Lock()
	if tx, ok := s.transactions[taID]; ok {
		tx.terminated = true
	} else {
		s.transactions[taID] = &transaction{command: cmd, terminated: true}
	}
	s.mu.Unlock()
	s.out.Enqueue(fieldsToMessage(cmd, taID, typ, fields))
}

func (s *Session) failConnection(msg *wire.Message, reason string) {
	s.log.Warn("closing connection on protocol violation", logging.String("reason", reason), logging.Int64("ta-id", msg.TaID))
	s.Close()
}

func fieldsToMessage(cmd wire.Command, taID int64, typ wire.MsgType, fields map[string]any) *wire.Message {
	m := &wire.Message{Command: cmd, TaID: taID, Type: typ}
	for k, v := range fields {
		switch k {
		case "fail-reason":
			m.Reason = v.(string)
		case "protocol-version":
			m.ProtoVersion = v.(int)
		case "service-id":
			m.ServiceID = toInt64(v)
		case "generation":
			m.Generation = toInt64(v)
		case "ttl":
			m.TTL = toInt64(v)
		case "properties":
			m.Properties = toProps(v)
		case "match-type":
			m.MatchType = v.(string)
		case "subscription-id":
			m.SubscriptionID = toInt64(v)
		case "filter":
			m.Filter = v.(string)
		case "client-id":
			m.ClientID = toInt64(v)
		case "track-type":
			m.TrackType = v.(string)
		case "idle-seconds":
			m.IdleSeconds = v.(float64)
		case "ping-latency-ms":
			m.PingLatencyMS = toInt64(v)
		case "compression":
			m.Compression = v.(string)
		}
	}
	return m
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		panic(fmt.Sprintf("session: unexpected numeric field type %T", v))
	}
}

func toProps(v any) props.Map {
	raw, ok := v.(map[string][]any)
	if !ok {
		return props.New()
	}
	m := props.New()
	for key, values := range raw {
		for _, val := range values {
			switch x := val.(type) {
			case string:
				m.Add(key, props.String(x))
			case int64:
				m.Add(key, props.Int(x))
			case int:
				m.Add(key, props.Int(int64(x)))
			}
		}
	}
	return m
}
