package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pathfinder/internal/props"
)

type recordingSink struct {
	events []event
}

type event struct {
	sub  int64
	typ  MatchType
	svc  int64
}

func (r *recordingSink) Notify(subscriptionID int64, matchType MatchType, svc ServiceView) {
	r.events = append(r.events, event{sub: subscriptionID, typ: matchType, svc: svc.ServiceID})
}

func props1(key, val string) props.Map {
	m := props.New()
	m.Add(key, props.String(val))
	return m
}

func TestPublishSubscribeAppeared(t *testing.T) {
	d := New("test")
	pub := &recordingSink{}
	sub := &recordingSink{}
	require.NoError(t, d.Hello(1, 3, "alice", pub))
	require.NoError(t, d.Hello(2, 3, "bob", sub))

	require.NoError(t, d.Subscribe(2, 100, ""))
	require.NoError(t, d.Publish(1, 10, 1, props1("name", "svc"), time.Second, false))

	require.Len(t, sub.events, 1)
	assert.Equal(t, MatchAppeared, sub.events[0].typ)
	assert.Equal(t, int64(10), sub.events[0].svc)
}

func TestSubscribeBacklogDeliversAppeared(t *testing.T) {
	d := New("test")
	pub := &recordingSink{}
	require.NoError(t, d.Hello(1, 3, "alice", pub))
	require.NoError(t, d.Publish(1, 10, 1, props1("name", "svc"), time.Second, false))

	subSink := &recordingSink{}
	require.NoError(t, d.Hello(2, 3, "bob", subSink))
	require.NoError(t, d.Subscribe(2, 100, ""))

	require.Len(t, subSink.events, 1)
	assert.Equal(t, MatchAppeared, subSink.events[0].typ)
}

func TestGenerationDiscipline(t *testing.T) {
	d := New("test")
	pub := &recordingSink{}
	require.NoError(t, d.Hello(1, 3, "alice", pub))
	require.NoError(t, d.Publish(1, 10, 5, props1("a", "1"), time.Second, false))

	// Same generation, different properties -> reject.
	err := d.Publish(1, 10, 5, props1("a", "2"), time.Second, false)
	assert.ErrorIs(t, err, ErrSameGenerationButDifferent)

	// Same generation, identical -> no-op, no error.
	err = d.Publish(1, 10, 5, props1("a", "1"), time.Second, false)
	assert.NoError(t, err)

	// Lower generation -> reject.
	err = d.Publish(1, 10, 4, props1("a", "1"), time.Second, false)
	assert.ErrorIs(t, err, ErrOldGeneration)

	// Higher generation -> accept.
	err = d.Publish(1, 10, 6, props1("a", "3"), time.Second, false)
	assert.NoError(t, err)
}

func TestIdempotentRepublishEmitsNoNotification(t *testing.T) {
	d := New("test")
	pub := &recordingSink{}
	subSink := &recordingSink{}
	require.NoError(t, d.Hello(1, 3, "alice", pub))
	require.NoError(t, d.Hello(2, 3, "bob", subSink))
	require.NoError(t, d.Subscribe(2, 100, ""))
	require.NoError(t, d.Publish(1, 10, 1, props1("a", "1"), time.Second, false))
	require.Len(t, subSink.events, 1)

	// Re-publish identical generation/properties/ttl/owner: P7, no notification.
	require.NoError(t, d.Publish(1, 10, 1, props1("a", "1"), time.Second, false))
	assert.Len(t, subSink.events, 1)
}

func TestOrphanAndReclaim(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	d := New("test", WithClock(clock))
	pub := &recordingSink{}
	subSink := &recordingSink{}
	require.NoError(t, d.Hello(1, 3, "alice", pub))
	require.NoError(t, d.Hello(2, 3, "bob", subSink))
	require.NoError(t, d.Subscribe(2, 100, ""))
	require.NoError(t, d.Publish(1, 10, 1, props1("a", "1"), 10*time.Second, false))
	require.Len(t, subSink.events, 1)

	d.Disconnect(1)
	// Orphaning is a modification on a still-matching subscription.
	require.Len(t, subSink.events, 2)
	assert.Equal(t, MatchModified, subSink.events[1].typ)

	// Still within TTL: sweep is a no-op.
	reaped := d.SweepOrphans()
	assert.Empty(t, reaped)

	// Reclaim by republishing under a new owner before TTL elapses.
	require.NoError(t, d.Hello(3, 3, "carol", &recordingSink{}))
	require.NoError(t, d.Publish(3, 10, 2, props1("a", "1"), 10*time.Second, false))
	require.Len(t, subSink.events, 3)
	assert.Equal(t, MatchModified, subSink.events[2].typ)
}

func TestOrphanTTLExpiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	d := New("test", WithClock(clock))
	pub := &recordingSink{}
	subSink := &recordingSink{}
	require.NoError(t, d.Hello(1, 3, "alice", pub))
	require.NoError(t, d.Hello(2, 3, "bob", subSink))
	require.NoError(t, d.Subscribe(2, 100, ""))
	require.NoError(t, d.Publish(1, 10, 1, props1("a", "1"), time.Second, false))
	d.Disconnect(1)

	now = now.Add(2 * time.Second)
	reaped := d.SweepOrphans()
	require.Equal(t, []int64{10}, reaped)
	assert.Equal(t, MatchDisappeared, subSink.events[len(subSink.events)-1].typ)

	views, err := d.SnapshotServices("")
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestCapEnforcement(t *testing.T) {
	d := New("test", WithCaps(Caps{}, Caps{Services: 1}))
	pub := &recordingSink{}
	require.NoError(t, d.Hello(1, 3, "alice", pub))
	require.NoError(t, d.Publish(1, 10, 1, props1("a", "1"), time.Second, false))

	err := d.Publish(1, 11, 1, props1("a", "1"), time.Second, false)
	assert.ErrorIs(t, err, ErrInsufficientResources)
}

func TestUnpublishClearsMatchedSetsAndCounters(t *testing.T) {
	d := New("test")
	pub := &recordingSink{}
	subSink := &recordingSink{}
	require.NoError(t, d.Hello(1, 3, "alice", pub))
	require.NoError(t, d.Hello(2, 3, "bob", subSink))
	require.NoError(t, d.Subscribe(2, 100, ""))
	require.NoError(t, d.Publish(1, 10, 1, props1("a", "1"), time.Second, false))
	require.NoError(t, d.Unpublish(1, 10, false))

	assert.Equal(t, MatchDisappeared, subSink.events[len(subSink.events)-1].typ)
	_, _, services, _ := d.Counts()
	assert.Equal(t, 0, services)
}

func TestUnsubscribeStopsFurtherNotifications(t *testing.T) {
	d := New("test")
	pub := &recordingSink{}
	subSink := &recordingSink{}
	require.NoError(t, d.Hello(1, 3, "alice", pub))
	require.NoError(t, d.Hello(2, 3, "bob", subSink))
	require.NoError(t, d.Subscribe(2, 100, ""))
	require.NoError(t, d.Unsubscribe(2, 100))

	require.NoError(t, d.Publish(1, 10, 1, props1("a", "1"), time.Second, false))
	assert.Empty(t, subSink.events)
}

func TestFilteredSubscriptionOnlyMatchesSatisfyingServices(t *testing.T) {
	d := New("test")
	pub := &recordingSink{}
	subSink := &recordingSink{}
	require.NoError(t, d.Hello(1, 3, "alice", pub))
	require.NoError(t, d.Hello(2, 3, "bob", subSink))
	require.NoError(t, d.Subscribe(2, 100, "(kind=db)"))

	require.NoError(t, d.Publish(1, 10, 1, props1("kind", "db"), time.Second, false))
	require.NoError(t, d.Publish(1, 11, 1, props1("kind", "cache"), time.Second, false))

	require.Len(t, subSink.events, 1)
	assert.Equal(t, int64(10), subSink.events[0].svc)
}

func TestPublishDeniesOwnershipTransferByDefault(t *testing.T) {
	d := New("test")
	alice := &recordingSink{}
	bob := &recordingSink{}
	require.NoError(t, d.Hello(1, 3, "alice", alice))
	require.NoError(t, d.Hello(2, 3, "bob", bob))
	require.NoError(t, d.Publish(1, 10, 1, props1("a", "1"), time.Second, false))

	// bob is not the owner and the service is still live (not orphaned):
	// a higher-generation publish must not silently steal ownership.
	err := d.Publish(2, 10, 2, props1("a", "2"), time.Second, false)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// Explicitly allowing transfer lets it through.
	require.NoError(t, d.Publish(2, 10, 2, props1("a", "2"), time.Second, true))
}

func TestInvalidFilterSyntaxRejectsSubscribe(t *testing.T) {
	d := New("test")
	pub := &recordingSink{}
	require.NoError(t, d.Hello(1, 3, "alice", pub))
	err := d.Subscribe(1, 100, "(bad")
	assert.ErrorIs(t, err, ErrInvalidFilterSyntax)
}
