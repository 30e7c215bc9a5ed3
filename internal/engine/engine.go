package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"maintline/internal/config"
	"maintline/internal/domain"
	"maintline/internal/events"
	"maintline/internal/ledger"
	"maintline/internal/lock"
	"maintline/internal/logging"
	"maintline/internal/metrics"
	"maintline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Config   *config.Config
	Locks    lock.Locker
	Log      *logrus.Logger
	Validate *validator.Validate
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Config:   cfg,
		Locks:    lock.NewLocal(),
		Log:      logging.Discard(),
		Validate: newValidator(),
		Now:      time.Now,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC().Truncate(time.Second)
	}
	return time.Now().UTC().Truncate(time.Second)
}

func (e Engine) events() events.Writer {
	return events.Writer{Now: e.now}
}

// Ledger returns the inventory ledger bound to the engine clock.
func (e Engine) Ledger() ledger.Ledger {
	l := ledger.New(e.DB)
	l.Now = e.now
	return l
}

func (e Engine) log() *logrus.Logger {
	if e.Log == nil {
		return logging.Discard()
	}
	return e.Log
}

// validate runs struct tags and reports the first failure as a ValidationError.
func (e Engine) validate(opts any) error {
	v := e.Validate
	if v == nil {
		v = newValidator()
	}
	err := v.Struct(opts)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fe.Tag()
		switch fe.Tag() {
		case "required":
			reason = "is required"
		case "oneof":
			reason = "must be one of: " + fe.Param()
		case "gt":
			reason = "must be greater than " + fe.Param()
		case "gte":
			reason = "must be at least " + fe.Param()
		case "min":
			reason = fmt.Sprintf("must have at least %s entries", fe.Param())
		}
		// Namespace is "Struct.items[0].part_id"; drop the struct name.
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		return domain.ValidationError{Field: field, Reason: reason}
	}
	return domain.ValidationError{Reason: err.Error()}
}

// acquire takes the per-aggregate lock, bounded by engine.lock.wait_ms.
func (e Engine) acquire(ctx context.Context, entity, id string) (func(), error) {
	if e.Locks == nil {
		return func() {}, nil
	}
	wait := 2 * time.Second
	if e.Config != nil && e.Config.Engine.Lock.WaitMS > 0 {
		wait = time.Duration(e.Config.Engine.Lock.WaitMS) * time.Millisecond
	}
	lctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	release, err := e.Locks.Acquire(lctx, entity+":"+id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, lock.ErrNotObtained) {
			return nil, domain.ConcurrencyError{Entity: entity, ID: id}
		}
		return nil, fmt.Errorf("lock %s %s: %w", entity, id, err)
	}
	return release, nil
}

// observe records the outcome of a command in metrics and logs.
func (e Engine) observe(entity, action, id, actor string, err error) {
	metrics.Transitions.WithLabelValues(entity, action, metrics.Result(err)).Inc()
	entry := e.log().WithFields(logrus.Fields{"entity": entity, "action": action, "id": id, "actor": actor})
	var ve domain.ValidationError
	switch {
	case err == nil:
		entry.Debug("command applied")
	case errors.As(err, &ve), errors.Is(err, domain.ErrNotFound), domain.IsTransition(err, ""):
		entry.WithError(err).Info("command refused")
	case errors.Is(err, domain.ErrConcurrencyConflict):
		entry.WithError(err).Warn("concurrent modification")
	case isStockConflict(err):
		entry.WithError(err).Warn("stock conflict")
	default:
		entry.WithError(err).Error("command failed")
	}
}

func isStockConflict(err error) bool {
	var se domain.InsufficientStockError
	var fe domain.FulfillmentConflictError
	return errors.As(err, &fe) || errors.As(err, &se)
}

func (e Engine) ensureActor(ctx context.Context, tx *sql.Tx, ids ...string) error {
	now := e.now().Format(time.RFC3339)
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := e.Repo.EnsureActor(ctx, tx, id, now); err != nil {
			return fmt.Errorf("ensure actor %s: %w", id, err)
		}
	}
	return nil
}

func requireActor(actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return domain.ValidationError{Field: "actor_id", Reason: "is required"}
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
