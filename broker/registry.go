package broker

import (
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/filter"
	"github.com/maxpert/servicebus-go/lock"
	"github.com/maxpert/servicebus-go/model"
	"github.com/maxpert/servicebus-go/session"
	"github.com/maxpert/servicebus-go/store"
)

type compiledRule struct {
	rule   model.Rule
	filter *filter.Filter
}

// entity is one queue, topic or subscription. Everything below mu is
// guarded by it; topics carry no store.
type entity struct {
	mu sync.Mutex

	kind      model.EntityKind
	path      string
	key       string
	topicPath string
	cfg       model.EntityConfig
	createdAt time.Time
	updatedAt time.Time

	store    *store.Store
	locks    *lock.Manager
	sessions *session.Manager

	// subscriptions only
	rules []compiledRule

	// topics only
	topicSeq int64
	subs     map[string]*entity

	notify  chan struct{}
	deleted bool
}

func newEntity(kind model.EntityKind, path string, cfg model.EntityConfig, created time.Time, maxStateBytes int) *entity {
	e := &entity{
		kind:      kind,
		path:      path,
		key:       model.Key(path),
		cfg:       cfg,
		createdAt: created,
		updatedAt: created,
		notify:    make(chan struct{}),
	}
	switch kind {
	case model.KindTopic:
		e.subs = make(map[string]*entity)
	default:
		e.store = store.New(path)
		e.locks = lock.New(path)
		e.sessions = session.New(path, maxStateBytes)
	}
	if kind == model.KindSubscription {
		if topic, _, ok := model.SplitSubscriptionPath(path); ok {
			e.topicPath = topic
		}
	}
	return e
}

// signal wakes every receiver waiting on the entity.
func (e *entity) signal() {
	close(e.notify)
	e.notify = make(chan struct{})
}

// setRules compiles rules in creation order. Rules were validated before
// they were journaled, so a compile failure here only happens on a record
// written by an incompatible build; it is logged and the rule dropped.
func (e *entity) setRules(rules []model.Rule, logger *zap.Logger) {
	e.rules = e.rules[:0]
	for _, r := range rules {
		e.addRule(r, logger)
	}
}

func (e *entity) addRule(r model.Rule, logger *zap.Logger) {
	f, err := filter.Compile(r.Filter)
	if err != nil {
		logger.Warn("Dropping rule that no longer compiles",
			zap.String("path", e.path),
			zap.String("rule", r.Name),
			zap.Error(err))
		return
	}
	e.rules = append(e.rules, compiledRule{rule: r, filter: f})
}

func (e *entity) ruleIndex(name string) int {
	return slices.IndexFunc(e.rules, func(r compiledRule) bool {
		return strings.EqualFold(r.rule.Name, name)
	})
}

// matches reports whether any rule accepts the message.
func (e *entity) matches(m *model.Message) bool {
	for _, r := range e.rules {
		if r.filter.Match(m) {
			return true
		}
	}
	return false
}

func (e *entity) ruleList() []model.Rule {
	out := make([]model.Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.rule
	}
	return out
}

// sortedSubs returns the subscriptions of a topic in path order, which is
// the order fan-out locks them in.
func (e *entity) sortedSubs() []*entity {
	out := make([]*entity, 0, len(e.subs))
	for _, s := range e.subs {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *entity) int { return strings.Compare(a.key, b.key) })
	return out
}

// properties describes the entity; callers hold e.mu.
func (e *entity) properties(now time.Time) *model.EntityProperties {
	props := &model.EntityProperties{
		Kind:      e.kind,
		Path:      e.path,
		Topic:     e.topicPath,
		Config:    e.cfg,
		CreatedAt: e.createdAt,
		UpdatedAt: e.updatedAt,
		RuleCount: len(e.rules),
	}
	if e.kind == model.KindTopic {
		props.SubscriptionCount = len(e.subs)
		return props
	}
	props.Counts = e.store.Counts(now)
	props.SessionCount = e.sessions.Len()
	return props
}

// Registry helpers. Callers hold b.regMu.

func (b *Broker) lookupLocked(path string) (*entity, bool) {
	e, ok := b.entities[model.Key(path)]
	return e, ok
}

func (b *Broker) entityCountLocked(kind model.EntityKind) int {
	n := 0
	for _, e := range b.entities {
		if e.kind == kind {
			n++
		}
	}
	return n
}

func (b *Broker) publishEntityCountsLocked() {
	for _, kind := range []model.EntityKind{model.KindQueue, model.KindTopic, model.KindSubscription} {
		b.recorder.SetEntityCount(kind, b.entityCountLocked(kind))
	}
}

// lookup finds an entity by exact path without dead-letter handling.
func (b *Broker) lookup(path string) (*entity, error) {
	b.regMu.RLock()
	defer b.regMu.RUnlock()
	e, ok := b.lookupLocked(path)
	if !ok {
		return nil, sberrors.NewEntityNotFound(path)
	}
	return e, nil
}

// resolve maps a path that may end in /$DeadLetterQueue to its entity and
// sub-queue.
func (b *Broker) resolve(path string) (*entity, model.SubQueue, error) {
	base, dlq := model.SplitDeadLetterPath(path)
	e, err := b.lookup(base)
	if err != nil {
		return nil, model.SubQueueMain, err
	}
	if !dlq {
		return e, model.SubQueueMain, nil
	}
	if e.kind == model.KindTopic {
		return nil, model.SubQueueMain, sberrors.NewInvalidOperation(path, "topics have no dead-letter queue")
	}
	return e, model.SubQueueDeadLetter, nil
}

// snapshotEntities returns every entity in path order.
func (b *Broker) snapshotEntities() []*entity {
	b.regMu.RLock()
	defer b.regMu.RUnlock()
	out := make([]*entity, 0, len(b.entities))
	for _, e := range b.entities {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, c *entity) int { return strings.Compare(a.key, c.key) })
	return out
}
