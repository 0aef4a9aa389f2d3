package broker

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/maxpert/servicebus-go/interfaces"
	"github.com/maxpert/servicebus-go/model"
)

// TracerName is the instrumentation scope of broker spans.
const TracerName = "servicebus-go/broker"

// Option configures a Broker.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	clock    func() time.Time
	backend  interfaces.Backend
	recorder interfaces.Recorder
	tracer   trace.Tracer
}

func defaultOptions() options {
	return options{
		logger:   zap.NewNop(),
		clock:    time.Now,
		recorder: nopRecorder{},
		tracer:   otel.Tracer(TracerName),
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock replaces the wall clock used for enqueue times, expiries and
// lock deadlines.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithBackend uses an already opened backend instead of the one named in
// the persistence config. The broker takes ownership and closes it.
func WithBackend(backend interfaces.Backend) Option {
	return func(o *options) {
		o.backend = backend
	}
}

// WithRecorder installs a metrics recorder.
func WithRecorder(recorder interfaces.Recorder) Option {
	return func(o *options) {
		if recorder != nil {
			o.recorder = recorder
		}
	}
}

// WithTracer overrides the tracer taken from the global otel provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordSent(string, int)                                 {}
func (nopRecorder) RecordReceived(string, model.ReceiveMode, int)          {}
func (nopRecorder) RecordSettled(string, string)                           {}
func (nopRecorder) RecordDeadLettered(string, string, int)                 {}
func (nopRecorder) RecordExpired(string, int)                              {}
func (nopRecorder) RecordJournalAppend(model.OpKind, time.Duration, error) {}
func (nopRecorder) RecordSnapshot(time.Duration, error)                    {}
func (nopRecorder) SetEntityCount(model.EntityKind, int)                   {}
func (nopRecorder) SetMessageCounts(string, model.EntityCounts)            {}
func (nopRecorder) ForgetEntity(string)                                    {}
