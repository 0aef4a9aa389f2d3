package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/interfaces"
	"github.com/maxpert/servicebus-go/model"
	"github.com/maxpert/servicebus-go/storage"
)

func routingTopic(t *testing.T, b *Broker) {
	t.Helper()
	ctx := context.Background()
	_, err := b.CreateTopic(ctx, "payments", model.EntityConfig{})
	require.NoError(t, err)
	_, err = b.CreateSubscription(ctx, "payments", "S1", model.SubscriptionOptions{
		Rules: []model.Rule{{Name: "label", Filter: model.Correlation(model.CorrelationFilter{Label: "X"})}},
	})
	require.NoError(t, err)
	_, err = b.CreateSubscription(ctx, "payments", "S2", model.SubscriptionOptions{
		Rules: []model.Rule{{Name: "large", Filter: model.SQLFilter("priority = 'high' AND amount > 100")}},
	})
	require.NoError(t, err)
}

func TestTopicRoutesByRule(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	routingTopic(t, b)

	s1 := model.SubscriptionPath("payments", "S1")
	s2 := model.SubscriptionPath("payments", "S2")

	seqs, err := b.SendBatch(ctx, "payments", []*model.Message{
		{Label: "X", Body: []byte("match"), Properties: map[string]any{"priority": "high", "amount": 150}},
		{Label: "Y", Body: []byte("skip"), Properties: map[string]any{"priority": "low", "amount": 150}},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, seqs)

	for _, path := range []string{s1, s2} {
		msgs, err := b.Peek(ctx, path, 0, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1, path)
		assert.Equal(t, "match", string(msgs[0].Body))
		assert.Equal(t, int64(1), msgs[0].SequenceNumber)
	}

	_, err = b.Receive(ctx, "payments", peekLock())
	assert.Equal(t, sberrors.InvalidOperation, sberrors.Code(err))
}

func TestRulesSeeTopicSystemProperties(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	_, err := b.CreateTopic(ctx, "audit", model.EntityConfig{})
	require.NoError(t, err)
	_, err = b.CreateSubscription(ctx, "audit", "late", model.SubscriptionOptions{
		Rules: []model.Rule{{Name: "seq", Filter: model.SQLFilter("sys.SequenceNumber > 2")}},
	})
	require.NoError(t, err)
	_, err = b.CreateSubscription(ctx, "audit", "stamped", model.SubscriptionOptions{
		Rules: []model.Rule{{Name: "times", Filter: model.SQLFilter("sys.EnqueuedTimeUtc IS NOT NULL AND sys.ExpiresAtUtc IS NOT NULL")}},
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := b.Send(ctx, "audit", body(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
	}

	late, err := b.Peek(ctx, model.SubscriptionPath("audit", "late"), 0, 10)
	require.NoError(t, err)
	require.Len(t, late, 2)
	assert.Equal(t, "e2", string(late[0].Body))
	assert.Equal(t, int64(1), late[0].SequenceNumber, "subscriptions number their own copies")

	stamped, err := b.Peek(ctx, model.SubscriptionPath("audit", "stamped"), 0, 10)
	require.NoError(t, err)
	assert.Len(t, stamped, 4)
}

func TestSubscriptionRuleManagement(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	routingTopic(t, b)
	s1 := model.SubscriptionPath("payments", "S1")

	err := b.AddRule(ctx, "payments", "S1", model.Rule{Name: "broken", Filter: model.SQLFilter("amount >")})
	assert.Equal(t, sberrors.InvalidFilterSyntax, sberrors.Code(err))

	err = b.AddRule(ctx, "payments", "S1", model.Rule{Name: "LABEL", Filter: model.TrueFilter()})
	assert.True(t, sberrors.IsAlreadyExists(err))

	require.NoError(t, b.AddRule(ctx, "payments", "S1", model.Rule{Name: "eu", Filter: model.SQLFilter("region = 'eu'")}))
	rules, err := b.ListRules(ctx, "payments", "S1")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "label", rules[0].Name)
	assert.Equal(t, "eu", rules[1].Name)

	_, err = b.Send(ctx, "payments", &model.Message{Body: []byte("eu"), Properties: map[string]any{"region": "eu"}})
	require.NoError(t, err)

	require.NoError(t, b.RemoveRule(ctx, "payments", "S1", "eu"))
	_, err = b.Send(ctx, "payments", &model.Message{Body: []byte("eu2"), Properties: map[string]any{"region": "eu"}})
	require.NoError(t, err)

	msgs, err := b.Peek(ctx, s1, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "eu", string(msgs[0].Body))

	assert.True(t, sberrors.IsNotFound(b.RemoveRule(ctx, "payments", "S1", "eu")))
}

func TestSubscriptionWithoutRulesMatchesNothing(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	_, err := b.CreateTopic(ctx, "events", model.EntityConfig{})
	require.NoError(t, err)
	_, err = b.CreateSubscription(ctx, "events", "quiet", model.SubscriptionOptions{NoDefaultRule: true})
	require.NoError(t, err)

	_, err = b.Send(ctx, "events", body("x"))
	require.NoError(t, err)
	msgs, err := b.Peek(ctx, model.SubscriptionPath("events", "quiet"), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func sessionQueue(t *testing.T, b *Broker) {
	t.Helper()
	mustQueue(t, b, "jobs", model.EntityConfig{RequiresSession: true, LockDuration: 30 * time.Second})
	ctx := context.Background()
	for _, sid := range []string{"alpha", "beta", "alpha"} {
		_, err := b.Send(ctx, "jobs", &model.Message{SessionID: sid, Body: []byte(sid)})
		require.NoError(t, err)
	}
}

func TestSessionAcceptIsExclusive(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	sessionQueue(t, b)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []*model.SessionLock
		locked  int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lk, err := b.AcceptSession(ctx, "jobs", "alpha", model.AcceptOptions{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted = append(granted, lk)
			case sberrors.IsSessionLocked(err):
				locked++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Len(t, granted, 1)
	assert.Equal(t, callers-1, locked)

	require.NoError(t, b.CloseSession(ctx, "jobs", granted[0].Token))
	lk, err := b.AcceptSession(ctx, "jobs", "alpha", model.AcceptOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, granted[0].Token, lk.Token)
}

func TestSessionLockExpiryReleasesSession(t *testing.T) {
	b, clock := newTestBroker(t)
	ctx := context.Background()
	sessionQueue(t, b)

	first, err := b.AcceptSession(ctx, "jobs", "alpha", model.AcceptOptions{})
	require.NoError(t, err)
	msg, err := b.Receive(ctx, "jobs", model.ReceiveOptions{SessionToken: first.Token})
	require.NoError(t, err)
	require.NotNil(t, msg)

	clock.Advance(31 * time.Second)
	second, err := b.AcceptSession(ctx, "jobs", "alpha", model.AcceptOptions{})
	require.NoError(t, err)
	assert.True(t, sberrors.IsLockLost(b.Complete(ctx, "jobs", msg.LockToken)))

	// The message locked under the lapsed session is available again
	again, err := b.Receive(ctx, "jobs", model.ReceiveOptions{SessionToken: second.Token})
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, msg.SequenceNumber, again.SequenceNumber)
	assert.Equal(t, int32(2), again.DeliveryCount)
}

func TestSessionReceiveStaysInSession(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()
	sessionQueue(t, b)

	_, err := b.Send(ctx, "jobs", body("no session"))
	assert.Equal(t, sberrors.InvalidOperation, sberrors.Code(err))
	_, err = b.Receive(ctx, "jobs", peekLock())
	assert.Equal(t, sberrors.InvalidOperation, sberrors.Code(err))

	lk, err := b.AcceptSession(ctx, "jobs", "", model.AcceptOptions{})
	require.NoError(t, err)
	assert.Equal(t, "alpha", lk.SessionID)

	other, err := b.AcceptSession(ctx, "jobs", "", model.AcceptOptions{})
	require.NoError(t, err)
	assert.Equal(t, "beta", other.SessionID)

	_, err = b.AcceptSession(ctx, "jobs", "", model.AcceptOptions{})
	assert.True(t, sberrors.IsSessionLocked(err), "got %v", err)

	msgs, err := b.ReceiveBatch(ctx, "jobs", model.ReceiveOptions{SessionToken: lk.Token, MaxMessages: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, "alpha", m.SessionID)
		require.NoError(t, b.Complete(ctx, "jobs", m.LockToken))
	}

	_, err = b.RenewSessionLock(ctx, "jobs", lk.Token)
	require.NoError(t, err)
	require.NoError(t, b.CloseSession(ctx, "jobs", lk.Token))
	assert.True(t, sberrors.IsLockLost(b.CloseSession(ctx, "jobs", lk.Token)))
}

func TestSessionState(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.MaxSessionStateBytes = 8
	b, _ := newTestBrokerWithConfig(t, cfg)
	ctx := context.Background()
	sessionQueue(t, b)

	state, err := b.GetSessionState(ctx, "jobs", "alpha")
	require.NoError(t, err)
	assert.Nil(t, state)

	lk, err := b.AcceptSession(ctx, "jobs", "alpha", model.AcceptOptions{})
	require.NoError(t, err)
	require.NoError(t, b.SetSessionState(ctx, "jobs", lk.Token, []byte("step-2")))

	err = b.SetSessionState(ctx, "jobs", lk.Token, []byte("far too much state"))
	assert.Equal(t, sberrors.LimitExceeded, sberrors.Code(err))

	state, err = b.GetSessionState(ctx, "jobs", "alpha")
	require.NoError(t, err)
	assert.Equal(t, []byte("step-2"), state)

	_, err = b.GetSessionState(ctx, "jobs", "")
	assert.Equal(t, sberrors.InvalidArgument, sberrors.Code(err))
}

func TestSweepForgetsIdleSessions(t *testing.T) {
	b, clock := newTestBroker(t)
	ctx := context.Background()
	mustQueue(t, b, "jobs", model.EntityConfig{RequiresSession: true, LockDuration: 10 * time.Second})

	_, err := b.Send(ctx, "jobs", &model.Message{SessionID: "s", Body: []byte("x")})
	require.NoError(t, err)
	lk, err := b.AcceptSession(ctx, "jobs", "s", model.AcceptOptions{})
	require.NoError(t, err)
	msg, err := b.Receive(ctx, "jobs", model.ReceiveOptions{SessionToken: lk.Token})
	require.NoError(t, err)
	require.NoError(t, b.Complete(ctx, "jobs", msg.LockToken))

	clock.Advance(11 * time.Second)
	stats, err := b.SweepNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SessionsExpired)
	assert.Equal(t, 1, stats.SessionsPruned)

	props, err := b.GetEntityProperties(ctx, "jobs")
	require.NoError(t, err)
	assert.Zero(t, props.SessionCount)
}

type persistenceCase struct {
	name string
	open func(t *testing.T, dir string) interfaces.Backend
}

func persistenceCases() []persistenceCase {
	open := func(name string) func(t *testing.T, dir string) interfaces.Backend {
		return func(t *testing.T, dir string) interfaces.Backend {
			b, err := storage.Open(interfaces.PersistenceConfig{
				Backend:    name,
				Path:       dir,
				SyncWrites: true,
			}, zap.NewNop())
			require.NoError(t, err)
			return b
		}
	}
	shared := storage.NewMemory()
	return []persistenceCase{
		{storage.BackendMemory, func(*testing.T, string) interfaces.Backend { return shared }},
		{storage.BackendFile, open(storage.BackendFile)},
		{storage.BackendBadger, open(storage.BackendBadger)},
		{storage.BackendPebble, open(storage.BackendPebble)},
		{storage.BackendSQLite, open(storage.BackendSQLite)},
	}
}

// crash abandons a broker without Close: no final snapshot is written and
// only the backend's file handles are released.
func crash(t *testing.T, backend interfaces.Backend) {
	t.Helper()
	require.NoError(t, backend.Close())
}

func TestPersistenceRoundTripAcrossCrash(t *testing.T) {
	for _, tc := range persistenceCases() {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()
			cfg := testConfig()

			backend := tc.open(t, dir)
			clock := newFakeClock()
			b, err := New(ctx, cfg, WithBackend(backend), WithClock(clock.Now))
			require.NoError(t, err)
			mustQueue(t, b, "orders", model.EntityConfig{})

			for i := 0; i < 60; i++ {
				_, err := b.Send(ctx, "orders", &model.Message{
					Body:       []byte(fmt.Sprintf("body-%03d", i)),
					Properties: map[string]any{"index": i, "kind": "before"},
				})
				require.NoError(t, err)
			}
			require.NoError(t, b.SnapshotNow(ctx))
			for i := 60; i < 100; i++ {
				_, err := b.Send(ctx, "orders", &model.Message{
					Body:       []byte(fmt.Sprintf("body-%03d", i)),
					Properties: map[string]any{"index": i, "kind": "after"},
				})
				require.NoError(t, err)
			}
			locked, err := b.Receive(ctx, "orders", peekLock())
			require.NoError(t, err)
			require.NotNil(t, locked)
			crash(t, backend)

			backend = tc.open(t, dir)
			restored, err := New(ctx, cfg, WithBackend(backend), WithClock(clock.Now))
			require.NoError(t, err)
			defer restored.Close(ctx)

			stats := restored.Recovery()
			assert.Equal(t, 1, stats.SnapshotEntities)
			assert.Equal(t, 41, stats.RecordsReplayed)

			// The lock survived and still settles
			require.NoError(t, restored.Abandon(ctx, "orders", locked.LockToken, nil))

			msgs, err := restored.ReceiveBatch(ctx, "orders", model.ReceiveOptions{Mode: model.ReceiveAndDelete, MaxMessages: 200})
			require.NoError(t, err)
			require.Len(t, msgs, 100)
			for i, m := range msgs {
				assert.Equal(t, int64(i+1), m.SequenceNumber)
				assert.Equal(t, fmt.Sprintf("body-%03d", i), string(m.Body))
				assert.Equal(t, int64(i), m.Properties["index"])
			}
			assert.Equal(t, int32(2), msgs[0].DeliveryCount)

			seq, err := restored.Send(ctx, "orders", body("next"))
			require.NoError(t, err)
			assert.Equal(t, int64(101), seq)
		})
	}
}

func TestPersistenceRestoresTopology(t *testing.T) {
	backend := storage.NewMemory()
	ctx := context.Background()

	b, err := New(ctx, testConfig(), WithBackend(backend))
	require.NoError(t, err)
	routingTopic(t, b)
	sessionQueue(t, b)
	lk, err := b.AcceptSession(ctx, "jobs", "alpha", model.AcceptOptions{})
	require.NoError(t, err)
	require.NoError(t, b.SetSessionState(ctx, "jobs", lk.Token, []byte("cursor")))
	require.NoError(t, b.DeleteEntity(ctx, model.SubscriptionPath("payments", "S2")))
	require.NoError(t, b.Close(ctx))

	restored, err := New(ctx, testConfig(), WithBackend(backend))
	require.NoError(t, err)
	defer restored.Close(ctx)

	subs, err := restored.ListEntities(ctx, model.KindSubscription)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "payments/Subscriptions/S1", subs[0].Path)

	state, err := restored.GetSessionState(ctx, "jobs", "alpha")
	require.NoError(t, err)
	assert.Equal(t, []byte("cursor"), state)

	_, err = restored.Send(ctx, "payments", &model.Message{Label: "X"})
	require.NoError(t, err)
	msgs, err := restored.Peek(ctx, "payments/Subscriptions/S1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src, _ := newTestBroker(t)
	routingTopic(t, src)
	mustQueue(t, src, "orders", model.EntityConfig{MaxDeliveryCount: 4})
	for i := 0; i < 3; i++ {
		_, err := src.Send(ctx, "orders", body(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	_, err := src.Send(ctx, "payments", &model.Message{Label: "X"})
	require.NoError(t, err)

	snap, err := src.ExportState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SnapshotVersion, snap.Version)
	assert.Len(t, snap.Entities, 4)

	dst, _ := newTestBroker(t)
	mustQueue(t, dst, "stale", model.EntityConfig{})
	require.NoError(t, dst.ImportState(ctx, snap))

	_, err = dst.GetEntityProperties(ctx, "stale")
	assert.True(t, sberrors.IsNotFound(err))

	props, err := dst.GetEntityProperties(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int32(4), props.Config.MaxDeliveryCount)
	assert.Equal(t, int64(3), props.Counts.Active)

	seq, err := dst.Send(ctx, "orders", body("m3"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)

	topicSeqs, err := dst.SendBatch(ctx, "payments", []*model.Message{{Label: "X"}})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, topicSeqs)

	bad := *snap
	bad.Version = 99
	assert.Equal(t, sberrors.InvalidArgument, sberrors.Code(dst.ImportState(ctx, &bad)))
}

type deliveryKey struct {
	path  string
	seq   int64
	count int32
}

// settlements tracks what concurrent receivers saw and settled.
type settlements struct {
	mu        sync.Mutex
	delivered map[deliveryKey]int
	completed map[string]map[int64]int
	deferred  map[string][]int64
}

func newSettlements() *settlements {
	return &settlements{
		delivered: make(map[deliveryKey]int),
		completed: make(map[string]map[int64]int),
		deferred:  make(map[string][]int64),
	}
}

func (s *settlements) received(path string, m *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered[deliveryKey{path, m.SequenceNumber, m.DeliveryCount}]++
}

func (s *settlements) complete(path string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed[path] == nil {
		s.completed[path] = make(map[int64]int)
	}
	s.completed[path][seq]++
}

func (s *settlements) deferMessage(path string, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred[path] = append(s.deferred[path], seq)
}

func (s *settlements) popDeferred(path string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.deferred[path]
	if len(list) == 0 {
		return 0, false
	}
	seq := list[len(list)-1]
	s.deferred[path] = list[:len(list)-1]
	return seq, true
}

func settledOK(err error) bool {
	return err == nil || sberrors.Code(err) == sberrors.LockLost
}

func exportJSON(t *testing.T, b *Broker) string {
	t.Helper()
	snap, err := b.ExportState(context.Background())
	require.NoError(t, err)
	snap.TakenAt = time.Time{}
	out, err := json.Marshal(snap)
	require.NoError(t, err)
	return string(out)
}

func TestConcurrentSettlementSurvivesCrash(t *testing.T) {
	for _, tc := range persistenceCases() {
		if tc.name != storage.BackendMemory && tc.name != storage.BackendFile {
			continue
		}
		t.Run(tc.name, func(t *testing.T) {
			const (
				producers = 4
				perQueue  = 120
				workers   = 16
				rounds    = 80
				lockFor   = 3 * time.Millisecond
			)
			ctx := context.Background()
			dir := t.TempDir()
			cfg := testConfig()
			cfg.Broker.SweepIntervalMS = 2
			cfg.Persistence.SnapshotIntervalMS = 0

			backend := tc.open(t, dir)
			b, err := New(ctx, cfg, WithBackend(backend))
			require.NoError(t, err)

			entityCfg := model.EntityConfig{LockDuration: lockFor, MaxDeliveryCount: 6}
			paths := make([]string, 0, producers+1)
			for i := 0; i < producers; i++ {
				path := fmt.Sprintf("work-%d", i)
				mustQueue(t, b, path, entityCfg)
				paths = append(paths, path)
			}
			_, err = b.CreateTopic(ctx, "events", model.EntityConfig{})
			require.NoError(t, err)
			_, err = b.CreateSubscription(ctx, "events", "all", model.SubscriptionOptions{Config: entityCfg})
			require.NoError(t, err)
			sub := model.SubscriptionPath("events", "all")
			paths = append(paths, sub)

			runCtx, stop := context.WithCancel(ctx)
			require.NoError(t, b.Start(runCtx))

			seen := newSettlements()
			var wg sync.WaitGroup
			for p := 0; p < producers; p++ {
				wg.Add(1)
				go func(p int) {
					defer wg.Done()
					for i := 0; i < perQueue; i++ {
						msg := &model.Message{Body: []byte(fmt.Sprintf("p%d-%d", p, i)), Properties: map[string]any{"producer": p}}
						if _, err := b.Send(ctx, paths[p], msg); err != nil {
							t.Errorf("send to %s: %v", paths[p], err)
							return
						}
						if i%4 == 0 {
							if _, err := b.Send(ctx, "events", msg); err != nil {
								t.Errorf("publish: %v", err)
								return
							}
						}
					}
				}(p)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(20 * time.Millisecond)
				if err := b.SnapshotNow(ctx); err != nil {
					t.Errorf("snapshot: %v", err)
				}
			}()

			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < rounds; i++ {
						path := paths[(w+i)%len(paths)]
						if i%7 == 3 {
							if seq, ok := seen.popDeferred(path); ok {
								msgs, err := b.ReceiveDeferred(ctx, path, []int64{seq}, peekLock())
								if err != nil {
									if code := sberrors.Code(err); code != sberrors.NotFound {
										t.Errorf("receive deferred %s/%d: %v", path, seq, err)
									}
									continue
								}
								seen.received(path, msgs[0])
								if err := b.Complete(ctx, path, msgs[0].LockToken); err == nil {
									seen.complete(path, seq)
								} else if !settledOK(err) {
									t.Errorf("complete deferred: %v", err)
								}
								continue
							}
						}

						msg, err := b.Receive(ctx, path, model.ReceiveOptions{Mode: model.PeekLock, MaxWait: 2 * time.Millisecond})
						if err != nil {
							t.Errorf("receive %s: %v", path, err)
							return
						}
						if msg == nil {
							continue
						}
						seen.received(path, msg)

						switch (w + i) % 5 {
						case 0, 1:
							err = b.Complete(ctx, path, msg.LockToken)
							if err == nil {
								seen.complete(path, msg.SequenceNumber)
							}
						case 2:
							// Settle at the lock deadline so completion races the sweeper.
							time.Sleep(lockFor)
							err = b.Complete(ctx, path, msg.LockToken)
							if err == nil {
								seen.complete(path, msg.SequenceNumber)
							}
						case 3:
							err = b.Abandon(ctx, path, msg.LockToken, nil)
						default:
							err = b.Defer(ctx, path, msg.LockToken, nil)
							if err == nil {
								seen.deferMessage(path, msg.SequenceNumber)
							}
						}
						if !settledOK(err) {
							t.Errorf("settle %s/%d: %v", path, msg.SequenceNumber, err)
						}
					}
				}(w)
			}
			wg.Wait()

			stop()
			_ = b.group.Wait()

			for key, n := range seen.delivered {
				assert.Equal(t, 1, n, "delivery %d of %s/%d handed to more than one receiver", key.count, key.path, key.seq)
			}

			before, err := b.ExportState(ctx)
			require.NoError(t, err)
			sent := map[string]int{sub: producers * ((perQueue + 3) / 4)}
			for i := 0; i < producers; i++ {
				sent[paths[i]] = perQueue
			}
			for _, es := range before.Entities {
				if es.Kind == model.KindTopic {
					continue
				}
				completed := seen.completed[es.Path]
				for seq, n := range completed {
					assert.Equal(t, 1, n, "%s/%d completed more than once", es.Path, seq)
				}
				held := make(map[int64]bool)
				for _, m := range es.Messages {
					held[m.SequenceNumber] = true
				}
				for _, m := range es.DeadLetters {
					held[m.SequenceNumber] = true
				}
				for seq := range completed {
					assert.False(t, held[seq], "%s/%d completed but still stored", es.Path, seq)
				}
				assert.Equal(t, sent[es.Path], len(completed)+len(held), "%s lost or duplicated messages", es.Path)
			}

			want := exportJSON(t, b)
			crash(t, backend)

			backend = tc.open(t, dir)
			restored, err := New(ctx, cfg, WithBackend(backend))
			require.NoError(t, err)
			defer restored.Close(ctx)

			stats := restored.Recovery()
			assert.Empty(t, stats.Errors)
			assert.Zero(t, stats.RecordsSkipped)
			assert.Greater(t, stats.SnapshotLSN, uint64(0))
			assert.JSONEq(t, want, exportJSON(t, restored))
		})
	}
}
