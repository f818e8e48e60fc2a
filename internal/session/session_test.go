package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pathfinder/internal/domain"
	"pathfinder/internal/props"
	"pathfinder/internal/wire"
)

type recordingOutbound struct {
	sent []*wire.Message
}

func (r *recordingOutbound) Enqueue(msg *wire.Message) { r.sent = append(r.sent, msg) }

func (r *recordingOutbound) byCommand(cmd wire.Command) []*wire.Message {
	var out []*wire.Message
	for _, m := range r.sent {
		if m.Command == cmd {
			out = append(out, m)
		}
	}
	return out
}

func newTestSession(t *testing.T) (*Session, *domain.Domain, *recordingOutbound) {
	t.Helper()
	d := domain.New("test-domain")
	out := &recordingOutbound{}
	s := New(d, out, "user-a", nil)
	return s, d, out
}

func hello(t *testing.T, s *Session, taID, clientID int64) {
	t.Helper()
	s.Handle(&wire.Message{Type: wire.MsgRequest, Command: wire.CmdHello, TaID: taID, ClientID: clientID, ProtoMinClient: 2, ProtoMaxClient: 3})
}

func TestHandleRejectsRequestsBeforeHello(t *testing.T) {
	s, _, out := newTestSession(t)
	s.Handle(&wire.Message{Type: wire.MsgRequest, Command: wire.CmdPing, TaID: 1})
	require.Len(t, out.sent, 1)
	assert.Equal(t, wire.MsgFail, out.sent[0].Type)
	assert.Equal(t, "no-hello", out.sent[0].Reason)
}

func TestHelloTransitionsToReady(t *testing.T) {
	s, _, out := newTestSession(t)
	hello(t, s, 1, 42)
	require.Equal(t, StateReady, s.State())
	assert.Equal(t, int64(42), s.ClientID())
	msgs := out.byCommand(wire.CmdHello)
	require.Len(t, msgs, 1)
	assert.Equal(t, wire.MsgComplete, msgs[0].Type)
}

func TestDuplicateHelloSameClientIDCompletesIdempotently(t *testing.T) {
	s, _, out := newTestSession(t)
	hello(t, s, 1, 42)
	hello(t, s, 2, 42)
	msgs := out.byCommand(wire.CmdHello)
	require.Len(t, msgs, 2)
	assert.Equal(t, wire.MsgComplete, msgs[1].Type)
}

func TestPublishThenSubscribeDeliversAppearedBacklog(t *testing.T) {
	s, _, out := newTestSession(t)
	hello(t, s, 1, 1)

	s.Handle(&wire.Message{Type: wire.MsgRequest, Command: wire.CmdPublish, TaID: 2, ServiceID: 100, Generation: 1, TTL: 60,
		Properties: props.Map{"type": {props.String("http")}}})
	require.Len(t, out.byCommand(wire.CmdPublish), 1)
	assert.Equal(t, wire.MsgComplete, out.byCommand(wire.CmdPublish)[0].Type)

	s.Handle(&wire.Message{Type: wire.MsgRequest, Command: wire.CmdSubscribe, TaID: 3, SubscriptionID: 9, Filter: "(type=http)"})
	acc := out.byCommand(wire.CmdSubscribe)
	require.GreaterOrEqual(t, len(acc), 2)
	assert.Equal(t, wire.MsgAccept, acc[0].Type)
	assert.Equal(t, wire.MsgNotify, acc[1].Type)
	assert.Equal(t, "appeared", acc[1].MatchType)
}

func TestUnsubscribeCompletesSubscribeTransactionAndStopsNotifications(t *testing.T) {
	s, _, out := newTestSession(t)
	hello(t, s, 1, 1)
	s.Handle(&wire.Message{Type: wire.MsgRequest, Command: wire.CmdSubscribe, TaID: 2, SubscriptionID: 5, Filter: ""})
	s.Handle(&wire.Message{Type: wire.MsgRequest, Command: wire.CmdUnsubscribe, TaID: 3, SubscriptionID: 5})

	subMsgs := out.byCommand(wire.CmdSubscribe)
	last := subMsgs[len(subMsgs)-1]
	assert.Equal(t, wire.MsgComplete, last.Type)
	assert.Equal(t, int64(2), last.TaID)

	unsubMsgs := out.byCommand(wire.CmdUnsubscribe)
	require.Len(t, unsubMsgs, 1)
	assert.Equal(t, wire.MsgComplete, unsubMsgs[0].Type)
}

func TestTrackQueryProbeRoundTrip(t *testing.T) {
	s, _, out := newTestSession(t)
	hello(t, s, 1, 1)
	s.Handle(&wire.Message{Type: wire.MsgRequest, Command: wire.CmdTrack, TaID: 2})
	require.Len(t, out.byCommand(wire.CmdTrack), 1)

	hasTrack := s.Probe()
	assert.True(t, hasTrack)
	msgs := out.byCommand(wire.CmdTrack)
	require.Len(t, msgs, 2)
	assert.Equal(t, "query", msgs[1].TrackType)

	s.Handle(&wire.Message{Type: wire.MsgNotify, Command: wire.CmdTrack, TaID: 2})
	msgs = out.byCommand(wire.CmdTrack)
	require.Len(t, msgs, 3)
	assert.Equal(t, "reply", msgs[2].TrackType)
}

func TestNonRequestBeforeAnyTransactionClosesConnection(t *testing.T) {
	s, d, _ := newTestSession(t)
	hello(t, s, 1, 7)
	s.Handle(&wire.Message{Type: wire.MsgNotify, Command: wire.CmdServices, TaID: 99})
	assert.Equal(t, StateClosed, s.State())
	_, _, _, orphans := d.Counts()
	_ = orphans
}

func TestCloseDisconnectsHelloedClientFromDomain(t *testing.T) {
	s, d, _ := newTestSession(t)
	hello(t, s, 1, 3)
	s.Handle(&wire.Message{Type: wire.MsgRequest, Command: wire.CmdPublish, TaID: 2, ServiceID: 1, Generation: 1, TTL: 60, Properties: props.New()})
	s.Close()
	clients, services, _, orphans := d.Counts()
	assert.Equal(t, 0, clients)
	assert.Equal(t, 1, services)
	assert.Equal(t, 1, orphans)
}
