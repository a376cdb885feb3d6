// Package persist decides whether an incoming report is new and stores it. It is the only
// place the dedup rules live; both the sync loop and inbound submissions go through it.
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/balloon-tracker-service/internal/models"
	"github.com/kjstillabower/balloon-tracker-service/internal/observability"
	"github.com/kjstillabower/balloon-tracker-service/internal/store"
)

// Outcome is the result of a successful Persist call.
type Outcome int

const (
	Inserted Outcome = iota
	SkippedDuplicate
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case SkippedDuplicate:
		return "skipped_duplicate"
	default:
		return "unknown"
	}
}

// DefaultDedupWindow is how far back a matching sequence count marks a record as a duplicate.
const DefaultDedupWindow = time.Hour

// ErrStorage is matched by every *Error.
var ErrStorage = errors.New("storage error")

// Error is a storage failure during one step of Persist.
type Error struct {
	Kind models.RecordKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("persist %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrStorage }

// Notifier is told about every newly inserted record.
type Notifier interface {
	RecordStored(ctx context.Context, rec models.Record) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, rec models.Record) error

func (f NotifierFunc) RecordStored(ctx context.Context, rec models.Record) error { return f(ctx, rec) }

// Persister applies the dedup rules and inserts new records.
type Persister struct {
	store     store.Store
	window    time.Duration
	now       func() time.Time
	notifiers []Notifier
	logger    *zap.Logger
}

// Option configures a Persister.
type Option func(*Persister)

// WithDedupWindow overrides DefaultDedupWindow.
func WithDedupWindow(d time.Duration) Option {
	return func(p *Persister) {
		if d > 0 {
			p.window = d
		}
	}
}

// WithClock replaces time.Now for the dedup window.
func WithClock(now func() time.Time) Option {
	return func(p *Persister) { p.now = now }
}

// WithNotifiers registers notifiers called after each insert, in order.
func WithNotifiers(n ...Notifier) Option {
	return func(p *Persister) { p.notifiers = append(p.notifiers, n...) }
}

func New(s store.Store, logger *zap.Logger, opts ...Option) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Persister{
		store:  s,
		window: DefaultDedupWindow,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Persist dispatches on the record kind. source labels the metric ("sync", "http", "mqtt").
func (p *Persister) Persist(ctx context.Context, rec models.Record, source string) (Outcome, error) {
	switch r := rec.(type) {
	case models.LocationReport:
		return p.PersistLocation(ctx, &r, source)
	case *models.LocationReport:
		return p.PersistLocation(ctx, r, source)
	case models.WeatherReport:
		return p.PersistWeather(ctx, &r, source)
	case *models.WeatherReport:
		return p.PersistWeather(ctx, r, source)
	default:
		return 0, fmt.Errorf("persist: unsupported record type %T", rec)
	}
}

// PersistLocation stores r unless a location with the same ReceivedAt, or the same sequence
// count inside the dedup window, already exists. On insert r.ID is set.
func (p *Persister) PersistLocation(ctx context.Context, r *models.LocationReport, source string) (Outcome, error) {
	return p.persist(ctx, r, source, func() error { return p.store.InsertLocation(ctx, r) })
}

// PersistWeather is PersistLocation for weather, keyed on ObservedAt.
func (p *Persister) PersistWeather(ctx context.Context, r *models.WeatherReport, source string) (Outcome, error) {
	return p.persist(ctx, r, source, func() error { return p.store.InsertWeather(ctx, r) })
}

func (p *Persister) persist(ctx context.Context, rec models.Record, source string, insert func() error) (Outcome, error) {
	kind := rec.Kind()
	logger := observability.WithKind(p.logger, string(kind))

	outcome, err := p.decide(ctx, rec)
	if err == nil && outcome == Inserted {
		if insertErr := insert(); insertErr != nil {
			if errors.Is(insertErr, store.ErrDuplicate) {
				outcome = SkippedDuplicate
			} else {
				err = &Error{Kind: kind, Op: "insert", Err: insertErr}
			}
		}
	}
	if err != nil {
		observability.RecordPersist(string(kind), source, "error")
		return 0, err
	}

	observability.RecordPersist(string(kind), source, outcome.String())
	if outcome == SkippedDuplicate {
		logger.Debug("skipped duplicate", zap.Time("key", rec.Key()), zap.String("source", source))
		return outcome, nil
	}

	logger.Info("record stored", zap.Time("key", rec.Key()), zap.String("source", source))
	stored := deref(rec)
	for _, n := range p.notifiers {
		if nerr := n.RecordStored(ctx, stored); nerr != nil {
			logger.Warn("notifier failed", zap.Error(nerr))
		}
	}
	return outcome, nil
}

// decide runs the two dedup lookups. Inserted here means "go ahead and insert".
func (p *Persister) decide(ctx context.Context, rec models.Record) (Outcome, error) {
	kind := rec.Kind()
	exists, err := p.store.HasKey(ctx, kind, rec.Key())
	if err != nil {
		return 0, &Error{Kind: kind, Op: "lookup key", Err: err}
	}
	if exists {
		return SkippedDuplicate, nil
	}

	seq := rec.Sequence()
	if seq == nil {
		return Inserted, nil
	}
	since := p.now().Add(-p.window)
	exists, err = p.store.HasSequenceSince(ctx, kind, *seq, since)
	if err != nil {
		return 0, &Error{Kind: kind, Op: "lookup sequence", Err: err}
	}
	if exists {
		return SkippedDuplicate, nil
	}
	return Inserted, nil
}

// deref hands notifiers the stored value, ID included.
func deref(rec models.Record) models.Record {
	switch r := rec.(type) {
	case *models.LocationReport:
		return *r
	case *models.WeatherReport:
		return *r
	default:
		return rec
	}
}
