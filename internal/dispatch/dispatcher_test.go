package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/rpbridge/internal/domain"
	"github.com/xiaot623/rpbridge/internal/observability"
	"github.com/xiaot623/rpbridge/internal/repository"
	"github.com/xiaot623/rpbridge/tests/helpers"
)

type call struct {
	url  string
	key  string
	body string
}

type scriptedSender struct {
	mu      sync.Mutex
	calls   []call
	failFor int    // number of leading calls that fail
	failURL string // every call to this URL fails
	hook    func(n int)
}

func (s *scriptedSender) PostResults(_ context.Context, url, key string, body []byte) (int, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{url: url, key: key, body: string(body)})
	n := len(s.calls)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if n <= s.failFor || (s.failURL != "" && url == s.failURL) {
		return 503, errors.New("partner returned status 503")
	}
	return 200, nil
}

func (s *scriptedSender) Calls() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]call(nil), s.calls...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.DeliveryEvent
}

func (r *eventRecorder) OnDeliveryEvent(_ context.Context, e domain.DeliveryEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) Types() []domain.DeliveryEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.DeliveryEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func testConfig(maxAttempts int) Config {
	return Config{
		Workers:        2,
		QueueSize:      8,
		MaxAttempts:    maxAttempts,
		AttemptTimeout: time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		SweepInterval:  20 * time.Millisecond,
	}
}

func newTestDispatcher(t *testing.T, sender Sender, maxAttempts int) (*Dispatcher, store.Store, *eventRecorder) {
	t.Helper()
	return newTestDispatcherWithConfig(t, sender, testConfig(maxAttempts))
}

func newTestDispatcherWithConfig(t *testing.T, sender Sender, cfg Config) (*Dispatcher, store.Store, *eventRecorder) {
	t.Helper()
	st := helpers.NewTestSQLiteStore(t)
	rec := &eventRecorder{}
	log := observability.Component(observability.DiscardLogger(), "dispatch")
	return New(st, sender, cfg, log, rec), st, rec
}

func startDispatcher(t *testing.T, d *Dispatcher) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		<-done
	}
}

const defaultResultsURL = "https://partner.example/receive-assessment-results"

func terminalSession(t *testing.T, st store.Store, sessionID string, status domain.SessionStatus) *domain.Session {
	t.Helper()
	return terminalSessionTo(t, st, sessionID, defaultResultsURL, status)
}

func terminalSessionTo(t *testing.T, st store.Store, sessionID, resultsURL string, status domain.SessionStatus) *domain.Session {
	t.Helper()
	ctx := context.Background()
	helpers.SeedCluster(t, st, "c1", "rp-1")
	_, _, err := st.FindOrCreateLiveSession(ctx, &domain.Session{
		SessionID:  sessionID,
		UserID:     "u-" + sessionID,
		UserName:   "Ada",
		ClusterID:  "c1",
		ReturnURL:  "https://partner.example/return",
		ResultsURL: resultsURL,
		StartedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	if !status.IsTerminal() {
		sess, err := st.GetSession(ctx, sessionID)
		require.NoError(t, err)
		return sess
	}
	sess, err := st.TransitionSession(ctx, sessionID, status, json.RawMessage(`{"score":87}`), time.Now().UTC())
	require.NoError(t, err)
	return sess
}

func TestDeliverStopsAtAttemptCeiling(t *testing.T) {
	ctx := context.Background()
	sender := &scriptedSender{failFor: 100}
	d, st, rec := newTestDispatcher(t, sender, 3)
	sess := terminalSession(t, st, "s1", domain.SessionStatusCompleted)

	require.NoError(t, d.Enqueue(ctx, sess))

	// Each call makes exactly one attempt.
	for i := 1; i <= 2; i++ {
		del, err := d.Deliver(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, domain.DeliveryStatusPending, del.Status)
		assert.Equal(t, i, del.Attempts)
		require.NotNil(t, del.NextRetryAt)
		assert.True(t, del.NextRetryAt.After(del.UpdatedAt.Add(-time.Millisecond)))
		assert.Len(t, sender.Calls(), i)
	}

	del, err := d.Deliver(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusFailed, del.Status)
	assert.Equal(t, 3, del.Attempts)
	assert.Nil(t, del.NextRetryAt)
	assert.Contains(t, del.LastError, "503")

	calls := sender.Calls()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, "s1", c.key)
		assert.Equal(t, calls[0].body, c.body)
		assert.Equal(t, sess.ResultsURL, c.url)
	}

	attempts, err := st.ListDeliveryAttempts(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, attempts, 3)

	assert.Equal(t, []domain.DeliveryEventType{
		domain.DeliveryEventAttemptFailed,
		domain.DeliveryEventAttemptFailed,
		domain.DeliveryEventFailedPermanently,
	}, rec.Types())

	// A failed delivery is not retried again.
	again, err := d.Deliver(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusFailed, again.Status)
	assert.Len(t, sender.Calls(), 3)
}

func TestDeliverSucceedsAfterTransientFailures(t *testing.T) {
	ctx := context.Background()
	sender := &scriptedSender{failFor: 2}
	d, st, rec := newTestDispatcher(t, sender, 5)
	sess := terminalSession(t, st, "s1", domain.SessionStatusCompleted)

	require.NoError(t, d.Enqueue(ctx, sess))
	var del *domain.Delivery
	for i := 0; i < 5; i++ {
		var err error
		del, err = d.Deliver(ctx, "s1")
		require.NoError(t, err)
		if del.Status != domain.DeliveryStatusPending {
			break
		}
	}

	assert.Equal(t, domain.DeliveryStatusDelivered, del.Status)
	assert.Equal(t, 3, del.Attempts)
	assert.NotNil(t, del.DeliveredAt)
	assert.Nil(t, del.NextRetryAt)
	assert.Empty(t, del.LastError)
	assert.Equal(t, domain.DeliveryEventDelivered, rec.Types()[len(rec.Types())-1])

	var payload domain.ResultsPayload
	require.NoError(t, json.Unmarshal([]byte(sender.Calls()[0].body), &payload))
	assert.Equal(t, "s1", payload.SessionID)
	assert.Equal(t, "c1", payload.ClusterID)
	assert.Equal(t, domain.SessionStatusCompleted, payload.Status)
	assert.JSONEq(t, `{"score":87}`, string(payload.Outcome))
	assert.Equal(t, domain.PayloadVersion, payload.Version)
}

func TestEnqueueRejectsNonTerminalSession(t *testing.T) {
	ctx := context.Background()
	d, st, _ := newTestDispatcher(t, &scriptedSender{}, 3)
	sess := terminalSession(t, st, "s1", domain.SessionStatusPending)

	err := d.Enqueue(ctx, sess)
	require.ErrorIs(t, err, ErrSessionNotTerminal)

	del, err := st.GetDelivery(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, del)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d, st, _ := newTestDispatcher(t, &scriptedSender{}, 3)
	sess := terminalSession(t, st, "s1", domain.SessionStatusAbandoned)

	require.NoError(t, d.Enqueue(ctx, sess))
	require.NoError(t, d.Enqueue(ctx, sess))
	assert.Len(t, d.queue, 1)

	pending, err := st.ListDeliveries(ctx, domain.DeliveryStatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestDeliverInterruptedStaysPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := &scriptedSender{failFor: 100, hook: func(int) { cancel() }}
	d, st, rec := newTestDispatcher(t, sender, 3)
	sess := terminalSession(t, st, "s1", domain.SessionStatusCompleted)
	require.NoError(t, d.Enqueue(context.Background(), sess))

	del, err := d.Deliver(ctx, "s1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.DeliveryStatusPending, del.Status)
	assert.Equal(t, 0, del.Attempts)
	assert.Empty(t, rec.Types())

	stored, err := st.GetDelivery(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusPending, stored.Status)
}

func TestRunDeliversEnqueuedSessions(t *testing.T) {
	sender := &scriptedSender{failFor: 1}
	d, st, _ := newTestDispatcher(t, sender, 3)
	sess := terminalSession(t, st, "s1", domain.SessionStatusCompleted)

	stop := startDispatcher(t, d)
	defer stop()

	require.NoError(t, d.Enqueue(context.Background(), sess))
	require.Eventually(t, func() bool {
		del, err := st.GetDelivery(context.Background(), "s1")
		return err == nil && del != nil && del.Status == domain.DeliveryStatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetryTimerReschedulesWithoutSweeper(t *testing.T) {
	cfg := testConfig(3)
	cfg.SweepInterval = time.Hour
	sender := &scriptedSender{failFor: 2}
	d, st, rec := newTestDispatcherWithConfig(t, sender, cfg)
	sess := terminalSession(t, st, "s1", domain.SessionStatusCompleted)

	stop := startDispatcher(t, d)
	defer stop()

	require.NoError(t, d.Enqueue(context.Background(), sess))
	require.Eventually(t, func() bool {
		del, err := st.GetDelivery(context.Background(), "s1")
		return err == nil && del != nil && del.Status == domain.DeliveryStatusDelivered && del.Attempts == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []domain.DeliveryEventType{
		domain.DeliveryEventAttemptFailed,
		domain.DeliveryEventAttemptFailed,
		domain.DeliveryEventDelivered,
	}, rec.Types())
}

func TestBrokenEndpointDoesNotDelayOtherDeliveries(t *testing.T) {
	const brokenURL = "https://broken.example/receive-assessment-results"
	cfg := testConfig(6)
	cfg.Workers = 1
	cfg.InitialBackoff = 2 * time.Second
	cfg.MaxBackoff = 10 * time.Second
	cfg.SweepInterval = time.Hour
	sender := &scriptedSender{failURL: brokenURL}
	d, st, _ := newTestDispatcherWithConfig(t, sender, cfg)
	broken := terminalSessionTo(t, st, "s-broken", brokenURL, domain.SessionStatusCompleted)
	healthy := terminalSession(t, st, "s-healthy", domain.SessionStatusCompleted)

	// Queued before the worker starts so the broken delivery is taken first.
	require.NoError(t, d.Enqueue(context.Background(), broken))
	require.NoError(t, d.Enqueue(context.Background(), healthy))

	started := time.Now()
	stop := startDispatcher(t, d)

	require.Eventually(t, func() bool {
		del, err := st.GetDelivery(context.Background(), "s-healthy")
		return err == nil && del != nil && del.Status == domain.DeliveryStatusDelivered
	}, 3*time.Second, 5*time.Millisecond)
	// Well under the broken delivery's first backoff.
	assert.Less(t, time.Since(started), time.Second)

	del, err := st.GetDelivery(context.Background(), "s-broken")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusPending, del.Status)
	assert.Equal(t, 1, del.Attempts)
	require.NotNil(t, del.NextRetryAt)
	assert.True(t, del.NextRetryAt.After(time.Now()))

	stop()
	d.mu.Lock()
	assert.Empty(t, d.timers)
	d.mu.Unlock()
}

func TestRedeliveryStartsNextGeneration(t *testing.T) {
	ctx := context.Background()
	sender := &scriptedSender{failFor: 2}
	d, st, rec := newTestDispatcher(t, sender, 2)
	sess := terminalSession(t, st, "s1", domain.SessionStatusCompleted)
	require.NoError(t, d.Enqueue(ctx, sess))

	for i := 0; i < 2; i++ {
		_, err := d.Deliver(ctx, "s1")
		require.NoError(t, err)
	}
	failed, err := st.GetDelivery(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, domain.DeliveryStatusFailed, failed.Status)

	reset, err := st.ResetDelivery(ctx, "s1", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, reset)

	del, err := d.Deliver(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusDelivered, del.Status)
	assert.Equal(t, 2, del.Generation)
	assert.Equal(t, 1, del.Attempts)

	attempts, err := st.ListDeliveryAttempts(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, []int{1, 1, 2}, []int{attempts[0].Generation, attempts[1].Generation, attempts[2].Generation})
	assert.Equal(t, []int{1, 2, 1}, []int{attempts[0].Attempt, attempts[1].Attempt, attempts[2].Attempt})

	rec.mu.Lock()
	last := rec.events[len(rec.events)-1]
	rec.mu.Unlock()
	assert.Equal(t, 2, last.Generation)
}

func TestSweeperRecoversPendingDeliveries(t *testing.T) {
	sender := &scriptedSender{}
	d, st, _ := newTestDispatcher(t, sender, 3)
	sess := terminalSession(t, st, "s1", domain.SessionStatusCompleted)

	// Recorded by a previous process but never queued here.
	now := time.Now().UTC()
	_, err := st.CreateDelivery(context.Background(), &domain.Delivery{
		SessionID: sess.SessionID,
		TargetURL: sess.ResultsURL,
		Status:    domain.DeliveryStatusPending,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)

	stop := startDispatcher(t, d)
	defer stop()

	require.Eventually(t, func() bool {
		del, err := st.GetDelivery(context.Background(), "s1")
		return err == nil && del != nil && del.Status == domain.DeliveryStatusDelivered && del.Attempts == 2
	}, 2*time.Second, 10*time.Millisecond)
}
