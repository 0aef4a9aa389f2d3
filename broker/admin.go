package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/filter"
	"github.com/maxpert/servicebus-go/interfaces"
	"github.com/maxpert/servicebus-go/model"
)

// topicConfig keeps the fields a topic uses.
func topicConfig(cfg model.EntityConfig) model.EntityConfig {
	return model.EntityConfig{
		DefaultMessageTimeToLive: cfg.DefaultMessageTimeToLive,
		MaxSizeInMegabytes:       cfg.MaxSizeInMegabytes,
		MaxMessageSizeBytes:      cfg.MaxMessageSizeBytes,
	}.WithDefaults()
}

func normalizeConfig(kind model.EntityKind, cfg model.EntityConfig) (model.EntityConfig, error) {
	if kind == model.KindTopic {
		cfg = topicConfig(cfg)
	} else {
		cfg = cfg.WithDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return cfg, sberrors.NewInvalidArgument("config", err.Error())
	}
	return cfg, nil
}

// CreateEntity creates a queue, topic or subscription. A subscription path
// has the form <topic>/Subscriptions/<name> and receives the $Default rule.
func (b *Broker) CreateEntity(ctx context.Context, kind model.EntityKind, path string, cfg model.EntityConfig) (*model.EntityProperties, error) {
	switch kind {
	case model.KindQueue, model.KindTopic:
	case model.KindSubscription:
		topic, name, ok := model.SplitSubscriptionPath(path)
		if !ok {
			return nil, sberrors.NewInvalidName(path, "subscription path must be <topic>/Subscriptions/<name>")
		}
		return b.CreateSubscription(ctx, topic, name, model.SubscriptionOptions{Config: cfg})
	default:
		return nil, sberrors.NewInvalidArgument("kind", fmt.Sprintf("unknown entity kind %d", kind))
	}

	ctx, span := b.startSpan(ctx, "CreateEntity", path)
	var err error
	defer func() { endSpan(span, err) }()

	if err = validateEntityName(path); err != nil {
		return nil, err
	}
	if cfg, err = normalizeConfig(kind, cfg); err != nil {
		return nil, err
	}
	var props *model.EntityProperties
	props, err = b.create(ctx, &model.Record{Op: model.OpCreateEntity, Kind: kind, Path: path, Config: &cfg}, nil)
	return props, err
}

// CreateQueue creates a queue.
func (b *Broker) CreateQueue(ctx context.Context, name string, cfg model.EntityConfig) (*model.EntityProperties, error) {
	return b.CreateEntity(ctx, model.KindQueue, name, cfg)
}

// CreateTopic creates a topic.
func (b *Broker) CreateTopic(ctx context.Context, name string, cfg model.EntityConfig) (*model.EntityProperties, error) {
	return b.CreateEntity(ctx, model.KindTopic, name, cfg)
}

// CreateSubscription creates a subscription on an existing topic.
func (b *Broker) CreateSubscription(ctx context.Context, topic, name string, opts model.SubscriptionOptions) (props *model.EntityProperties, err error) {
	path := model.SubscriptionPath(topic, name)
	ctx, span := b.startSpan(ctx, "CreateSubscription", path)
	defer func() { endSpan(span, err) }()

	if err := validateEntityName(topic); err != nil {
		return nil, err
	}
	if err := validateSubscriptionName(name); err != nil {
		return nil, err
	}
	cfg, err := normalizeConfig(model.KindSubscription, opts.Config)
	if err != nil {
		return nil, err
	}

	rules := opts.Rules
	if len(rules) == 0 && !opts.NoDefaultRule {
		rules = []model.Rule{{Name: model.DefaultRuleName, Filter: model.TrueFilter()}}
	}
	seen := make(map[string]bool, len(rules))
	checked := make([]model.Rule, 0, len(rules))
	for _, r := range rules {
		if err := validateRule(r); err != nil {
			return nil, err
		}
		key := strings.ToLower(r.Name)
		if seen[key] {
			return nil, sberrors.NewAlreadyExists(path, "rule '"+r.Name+"'")
		}
		seen[key] = true
		checked = append(checked, r)
	}

	rec := &model.Record{Op: model.OpCreateEntity, Kind: model.KindSubscription, Path: path, Config: &cfg, Rules: checked}
	return b.create(ctx, rec, func(now time.Time) error {
		for i := range rec.Rules {
			rec.Rules[i].CreatedAt = now
		}
		return nil
	})
}

func validateRule(r model.Rule) error {
	if err := validateRuleName(r.Name); err != nil {
		return err
	}
	_, err := filter.Compile(r.Filter)
	return err
}

// create journals and applies an entity creation under the registry lock.
func (b *Broker) create(ctx context.Context, rec *model.Record, prepare func(now time.Time) error) (*model.EntityProperties, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.checkOpen(rec.Path); err != nil {
		return nil, err
	}
	b.barrier.RLock()
	defer b.barrier.RUnlock()
	b.regMu.Lock()
	defer b.regMu.Unlock()

	if _, exists := b.lookupLocked(rec.Path); exists {
		return nil, sberrors.NewAlreadyExists(rec.Path, rec.Kind.String())
	}
	if len(b.entities) >= b.cfg.MaxEntities {
		return nil, sberrors.NewLimitExceeded("entities", int64(b.cfg.MaxEntities))
	}

	var topic *entity
	if rec.Kind == model.KindSubscription {
		topicPath, _, _ := model.SplitSubscriptionPath(rec.Path)
		t, ok := b.lookupLocked(topicPath)
		if !ok {
			return nil, sberrors.NewEntityNotFound(topicPath)
		}
		if t.kind != model.KindTopic {
			return nil, sberrors.NewInvalidOperation(topicPath, "subscriptions can only be created on topics")
		}
		topic = t
		topic.mu.Lock()
		defer topic.mu.Unlock()
		// Keep the topic's display spelling in the subscription path.
		_, name, _ := model.SplitSubscriptionPath(rec.Path)
		rec.Path = model.SubscriptionPath(topic.path, name)
	}

	now := b.now()
	rec.Time = now
	if prepare != nil {
		if err := prepare(now); err != nil {
			return nil, err
		}
	}
	if err := b.commit(ctx, nil, rec); err != nil {
		return nil, err
	}
	b.publishEntityCountsLocked()
	b.logger.Debug("Entity created", zap.String("path", rec.Path), zap.Stringer("kind", rec.Kind))

	e, _ := b.lookupLocked(rec.Path)
	return e.properties(now), nil
}

// UpdateEntity replaces the configuration of an entity. Zero fields take
// defaults; RequiresSession cannot change. Held locks keep their expiry.
func (b *Broker) UpdateEntity(ctx context.Context, path string, cfg model.EntityConfig) (props *model.EntityProperties, err error) {
	ctx, span := b.startSpan(ctx, "UpdateEntity", path)
	defer func() { endSpan(span, err) }()

	if _, dlq := model.SplitDeadLetterPath(path); dlq {
		return nil, sberrors.NewInvalidOperation(path, "dead-letter queues have no configuration")
	}
	err = b.mutate(ctx, path, func(e *entity, _ model.SubQueue, now time.Time) error {
		next, err := normalizeConfig(e.kind, cfg)
		if err != nil {
			return err
		}
		if e.kind != model.KindTopic && next.RequiresSession != e.cfg.RequiresSession {
			return sberrors.NewInvalidOperation(e.path, "requiresSession cannot be changed after creation")
		}
		if err := b.commit(ctx, e, &model.Record{Op: model.OpUpdateEntity, Time: now, Path: e.path, Config: &next}); err != nil {
			return err
		}
		props = e.properties(now)
		return nil
	})
	return props, err
}

// DeleteEntity removes an entity with its messages, locks and sessions.
// Deleting a topic deletes its subscriptions.
func (b *Broker) DeleteEntity(ctx context.Context, path string) (err error) {
	ctx, span := b.startSpan(ctx, "DeleteEntity", path)
	defer func() { endSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.checkOpen(path); err != nil {
		return err
	}
	b.barrier.RLock()
	defer b.barrier.RUnlock()
	b.regMu.Lock()
	defer b.regMu.Unlock()

	e, ok := b.lookupLocked(path)
	if !ok {
		return sberrors.NewEntityNotFound(path)
	}
	if e.kind == model.KindSubscription {
		if topic, ok := b.lookupLocked(e.topicPath); ok {
			topic.mu.Lock()
			defer topic.mu.Unlock()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := []string{e.path}
	if e.kind == model.KindTopic {
		for _, sub := range e.sortedSubs() {
			sub.mu.Lock()
			defer sub.mu.Unlock()
			removed = append(removed, sub.path)
		}
	}
	if err := b.commit(ctx, nil, &model.Record{Op: model.OpDeleteEntity, Time: b.now(), Path: e.path}); err != nil {
		return err
	}
	for _, p := range removed {
		b.recorder.ForgetEntity(p)
	}
	b.publishEntityCountsLocked()
	b.logger.Debug("Entity deleted", zap.String("path", e.path), zap.Stringer("kind", e.kind))
	return nil
}

// GetEntityProperties returns configuration and runtime counts.
func (b *Broker) GetEntityProperties(ctx context.Context, path string) (*model.EntityProperties, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := b.lookup(path)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, sberrors.NewEntityNotFound(path)
	}
	return e.properties(b.now()), nil
}

// ListEntities lists entities of one kind in path order; kind 0 lists all.
func (b *Broker) ListEntities(ctx context.Context, kind model.EntityKind) ([]*model.EntityProperties, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := b.now()
	var out []*model.EntityProperties
	for _, e := range b.snapshotEntities() {
		if kind != 0 && e.kind != kind {
			continue
		}
		e.mu.Lock()
		if !e.deleted {
			out = append(out, e.properties(now))
		}
		e.mu.Unlock()
	}
	return out, nil
}

// PurgeEntity drops every message of a queue, subscription or dead-letter
// queue and returns how many were removed.
func (b *Broker) PurgeEntity(ctx context.Context, path string) (n int, err error) {
	ctx, span := b.startSpan(ctx, "PurgeEntity", path)
	defer func() { endSpan(span, err) }()

	err = b.mutate(ctx, path, func(e *entity, q model.SubQueue, now time.Time) error {
		if e.kind == model.KindTopic {
			return sberrors.NewInvalidOperation(e.path, "topics hold no messages")
		}
		n = e.store.Queue(q).Len()
		return b.commit(ctx, e, &model.Record{Op: model.OpPurge, Time: now, Path: e.path, SubQueue: q})
	})
	return n, err
}

func (b *Broker) subscription(e *entity) error {
	if e.kind != model.KindSubscription {
		return sberrors.NewInvalidOperation(e.path, "rules belong to subscriptions")
	}
	return nil
}

// AddRule adds a rule to a subscription.
func (b *Broker) AddRule(ctx context.Context, topic, subscription string, rule model.Rule) (err error) {
	path := model.SubscriptionPath(topic, subscription)
	ctx, span := b.startSpan(ctx, "AddRule", path)
	defer func() { endSpan(span, err) }()

	if err := validateRule(rule); err != nil {
		return err
	}
	return b.mutate(ctx, path, func(e *entity, _ model.SubQueue, now time.Time) error {
		if err := b.subscription(e); err != nil {
			return err
		}
		if e.ruleIndex(rule.Name) >= 0 {
			return sberrors.NewAlreadyExists(e.path, "rule '"+rule.Name+"'")
		}
		r := rule
		r.CreatedAt = now
		return b.commit(ctx, e, &model.Record{Op: model.OpAddRule, Time: now, Path: e.path, Rules: []model.Rule{r}})
	})
}

// RemoveRule removes a rule by name.
func (b *Broker) RemoveRule(ctx context.Context, topic, subscription, name string) (err error) {
	path := model.SubscriptionPath(topic, subscription)
	ctx, span := b.startSpan(ctx, "RemoveRule", path)
	defer func() { endSpan(span, err) }()

	return b.mutate(ctx, path, func(e *entity, _ model.SubQueue, now time.Time) error {
		if err := b.subscription(e); err != nil {
			return err
		}
		if e.ruleIndex(name) < 0 {
			return sberrors.NewNotFound(e.path, "rule '"+name+"'")
		}
		return b.commit(ctx, e, &model.Record{Op: model.OpRemoveRule, Time: now, Path: e.path, RuleName: name})
	})
}

// ListRules returns the rules of a subscription in evaluation order.
func (b *Broker) ListRules(ctx context.Context, topic, subscription string) ([]model.Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := b.lookup(model.SubscriptionPath(topic, subscription))
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := b.subscription(e); err != nil {
		return nil, err
	}
	return e.ruleList(), nil
}

// Provision creates the configured entities that do not exist yet.
func (b *Broker) Provision(ctx context.Context, entities interfaces.EntitiesConfig) error {
	created := 0
	ensure := func(props *model.EntityProperties, err error) error {
		switch {
		case err == nil:
			created++
			return nil
		case sberrors.IsAlreadyExists(err):
			return nil
		default:
			return err
		}
	}

	for _, q := range entities.Queues {
		if err := ensure(b.CreateQueue(ctx, q.Name, q.Settings.EntityConfig())); err != nil {
			return fmt.Errorf("provision queue %s: %w", q.Name, err)
		}
	}
	for _, t := range entities.Topics {
		if err := ensure(b.CreateTopic(ctx, t.Name, t.Settings.EntityConfig())); err != nil {
			return fmt.Errorf("provision topic %s: %w", t.Name, err)
		}
		for _, s := range t.Subscriptions {
			opts := model.SubscriptionOptions{Config: s.Settings.EntityConfig()}
			for _, r := range s.Rules {
				opts.Rules = append(opts.Rules, r.Rule())
			}
			if err := ensure(b.CreateSubscription(ctx, t.Name, s.Name, opts)); err != nil {
				return fmt.Errorf("provision subscription %s/%s: %w", t.Name, s.Name, err)
			}
		}
	}
	if created > 0 {
		b.logger.Info("Provisioned entities from configuration", zap.Int("count", created))
	}
	return nil
}
