package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/jellydator/ttlcache/v3"
	"github.com/smallbiznis/hotspotd/internal/accounting/domain"
	"github.com/smallbiznis/hotspotd/internal/accounting/repository"
	"github.com/smallbiznis/hotspotd/internal/clock"
	"github.com/smallbiznis/hotspotd/internal/config"
	devicedomain "github.com/smallbiznis/hotspotd/internal/device/domain"
	"github.com/smallbiznis/hotspotd/internal/keylock"
	"github.com/smallbiznis/hotspotd/internal/nas"
	"github.com/smallbiznis/hotspotd/internal/observability/metrics"
	sessiondomain "github.com/smallbiznis/hotspotd/internal/session/domain"
	sessionrepo "github.com/smallbiznis/hotspotd/internal/session/repository"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	pkgrepo "github.com/smallbiznis/hotspotd/pkg/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultDeadLetterLimit = 100
	maxDeadLetterLimit     = 1000
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Locker      keylock.Locker
	Clock       clock.Clock
	Config      *config.EngineConfigHolder
	Repo        repository.Repository
	DeadLetters pkgrepo.Repository[domain.DeadLetter]
	Vouchers    voucherdomain.TxService
	Sessions    sessiondomain.TxService
	SessionRepo sessionrepo.Repository
	Sink        nas.Sink
	Metrics     *metrics.Metrics `optional:"true"`
}

// Reconciler is the only writer of accounting-driven state. Each event is
// applied under the voucher lock in one transaction together with its
// audit record, so a replay is detected by the fingerprint insert.
type Reconciler struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	locker      keylock.Locker
	clock       clock.Clock
	repo        repository.Repository
	deadLetters pkgrepo.Repository[domain.DeadLetter]
	vouchers    voucherdomain.TxService
	sessions    sessiondomain.TxService
	sessionRepo sessionrepo.Repository
	sink        nas.Sink
	metrics     *metrics.Metrics
	validate    *validator.Validate
	seen        *ttlcache.Cache[string, struct{}]
	tracer      trace.Tracer
}

func NewReconciler(p Params) *Reconciler {
	acc := p.Config.Get().Accounting
	seen := ttlcache.New(
		ttlcache.WithTTL[string, struct{}](acc.DedupTTL),
		ttlcache.WithCapacity[string, struct{}](acc.DedupCapacity),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	return &Reconciler{
		db:          p.DB,
		log:         p.Log.Named("accounting.reconciler"),
		genID:       p.GenID,
		locker:      p.Locker,
		clock:       p.Clock,
		repo:        p.Repo,
		deadLetters: p.DeadLetters,
		vouchers:    p.Vouchers,
		sessions:    p.Sessions,
		sessionRepo: p.SessionRepo,
		sink:        p.Sink,
		metrics:     p.Metrics,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		seen:        seen,
		tracer:      otel.Tracer("hotspotd/accounting"),
	}
}

var _ domain.Service = (*Reconciler)(nil)

// StartCache runs expiry of the duplicate fast path until StopCache.
func (r *Reconciler) StartCache() { go r.seen.Start() }

func (r *Reconciler) StopCache() { r.seen.Stop() }

func (r *Reconciler) Ingest(ctx context.Context, ev domain.Event) (domain.Result, error) {
	ev = normalize(ev)
	ctx, span := r.tracer.Start(ctx, "accounting.ingest", trace.WithAttributes(
		attribute.String("accounting.kind", string(ev.Kind)),
		attribute.String("accounting.nas_id", ev.NASID),
	))
	defer span.End()

	res, err := r.ingest(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Error("accounting ingest failed",
			zap.String("nas_id", ev.NASID),
			zap.String("session_key", ev.SessionKey),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
		return domain.Result{}, err
	}
	span.SetAttributes(attribute.String("accounting.outcome", string(res.Outcome)))
	r.metrics.RecordAccountingEvent(ctx, string(ev.Kind), string(res.Outcome))
	return res, nil
}

func (r *Reconciler) DeadLetters(ctx context.Context, limit int) ([]*domain.DeadLetter, error) {
	if limit <= 0 {
		limit = defaultDeadLetterLimit
	}
	limit = min(limit, maxDeadLetterLimit)
	return r.deadLetters.Find(ctx, nil,
		pkgrepo.OrderBy("created_at DESC, id DESC"),
		pkgrepo.Limit(limit),
	)
}

func (r *Reconciler) ingest(ctx context.Context, ev domain.Event) (domain.Result, error) {
	if err := r.validate.Struct(ev); err != nil {
		now := r.clock.Now()
		dl := r.newDeadLetter(ev, domain.ReasonInvalidEvent, err.Error(), now)
		if err := r.deadLetters.Create(ctx, dl); err != nil {
			return domain.Result{}, fmt.Errorf("write dead letter: %w", err)
		}
		r.reportDeadLetter(ctx, dl)
		return domain.Result{Outcome: domain.OutcomeDeadLettered, Reason: domain.ReasonInvalidEvent}, nil
	}

	fp := Fingerprint(ev)
	if r.seen.Has(fp) {
		return domain.Result{Outcome: domain.OutcomeDuplicate}, nil
	}

	// An existing session decides which voucher the event belongs to.
	code := ev.VoucherCode
	if sess, err := r.sessionRepo.FindByKey(ctx, r.db, ev.NASID, ev.SessionKey); err == nil {
		code = sess.VoucherCode
	} else if !errors.Is(err, sessiondomain.ErrSessionNotFound) {
		return domain.Result{}, err
	}

	var (
		res  domain.Result
		dead *domain.DeadLetter
	)
	batch := &nas.Batch{}
	err := keylock.With(ctx, r.locker, keylock.VoucherKey(code), func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := r.clock.Now()
			rec := r.newAuditRecord(ev, fp, now)
			inserted, err := r.repo.InsertAudit(ctx, tx, rec)
			if err != nil {
				return fmt.Errorf("insert accounting event: %w", err)
			}
			if !inserted {
				res = domain.Result{Outcome: domain.OutcomeDuplicate}
				return nil
			}

			res, err = r.apply(ctx, tx, code, ev, now, batch)
			if err != nil {
				return err
			}
			if res.Outcome == domain.OutcomeDeadLettered {
				dead = r.newDeadLetter(ev, res.Reason, "", now)
				if err := r.deadLetters.WithTrx(tx).Create(ctx, dead); err != nil {
					return fmt.Errorf("write dead letter: %w", err)
				}
			}
			return r.repo.SetOutcome(ctx, tx, rec.ID, res.Outcome, res.Reason)
		})
	})
	if err != nil {
		return domain.Result{}, err
	}

	r.seen.Set(fp, struct{}{}, ttlcache.DefaultTTL)
	batch.Flush(r.sink)
	if dead != nil {
		r.reportDeadLetter(ctx, dead)
	}
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, tx *gorm.DB, code string, ev domain.Event, now time.Time, batch *nas.Batch) (domain.Result, error) {
	v, err := r.vouchers.Load(ctx, tx, code)
	if errors.Is(err, voucherdomain.ErrVoucherNotFound) {
		return deadLettered(domain.ReasonUnknownVoucher), nil
	}
	if err != nil {
		return domain.Result{}, err
	}

	switch ev.Kind {
	case domain.KindStart:
		return r.applyStart(ctx, tx, v, ev, now, batch)
	case domain.KindInterim:
		return r.applyInterim(ctx, tx, v, ev, now, batch)
	default:
		return r.applyStop(ctx, tx, v, ev, now, batch)
	}
}

func (r *Reconciler) applyStart(ctx context.Context, tx *gorm.DB, v *voucherdomain.Voucher, ev domain.Event, now time.Time, batch *nas.Batch) (domain.Result, error) {
	err := r.admit(ctx, tx, v, ev, ev.EventAt, false, now, batch)
	if errors.Is(err, sessiondomain.ErrDuplicateSession) {
		return domain.Result{Outcome: domain.OutcomeDuplicate}, nil
	}
	if err != nil {
		return r.reject(ev, err, batch)
	}
	return domain.Result{Outcome: domain.OutcomeApplied}, nil
}

func (r *Reconciler) applyInterim(ctx context.Context, tx *gorm.DB, v *voucherdomain.Voucher, ev domain.Event, now time.Time, batch *nas.Batch) (domain.Result, error) {
	res, err := r.sessions.ApplyInterimTx(ctx, tx, v, counterUpdate(ev), batch)
	switch {
	case errors.Is(err, sessiondomain.ErrSessionNotFound):
		return r.recover(ctx, tx, v, ev, now, batch)
	case err != nil:
		return domain.Result{}, err
	case res.Stale:
		return domain.Result{Outcome: domain.OutcomeStale}, nil
	}
	return domain.Result{Outcome: domain.OutcomeApplied}, nil
}

func (r *Reconciler) applyStop(ctx context.Context, tx *gorm.DB, v *voucherdomain.Voucher, ev domain.Event, now time.Time, batch *nas.Batch) (domain.Result, error) {
	res, err := r.sessions.CloseTx(ctx, tx, v, counterUpdate(ev), batch)
	switch {
	case errors.Is(err, sessiondomain.ErrSessionNotFound):
		return r.recover(ctx, tx, v, ev, now, batch)
	case err != nil:
		return domain.Result{}, err
	case res.Stale:
		return domain.Result{Outcome: domain.OutcomeStale}, nil
	}
	return domain.Result{Outcome: domain.OutcomeApplied}, nil
}

// recover synthesizes the session whose START never arrived, opened at
// eventAt minus the reported elapsed time, and applies the full
// cumulative usage. A STOP also closes it.
func (r *Reconciler) recover(ctx context.Context, tx *gorm.DB, v *voucherdomain.Voucher, ev domain.Event, now time.Time, batch *nas.Batch) (domain.Result, error) {
	startedAt := ev.EventAt.Add(-time.Duration(ev.ElapsedSeconds) * time.Second)
	if err := r.admit(ctx, tx, v, ev, startedAt, true, now, batch); err != nil {
		return r.reject(ev, err, batch)
	}
	applied, err := r.sessions.ApplyInterimTx(ctx, tx, v, counterUpdate(ev), batch)
	if err != nil {
		return domain.Result{}, err
	}
	if ev.Kind == domain.KindStop {
		if err := r.sessions.CloseSyntheticTx(ctx, tx, applied.Session, ev.EventAt, sessiondomain.CloseRecovered, batch); err != nil {
			return domain.Result{}, err
		}
	}
	r.log.Info("session recovered",
		zap.String("voucher_code", v.Code),
		zap.String("nas_id", ev.NASID),
		zap.String("session_key", ev.SessionKey),
		zap.String("kind", string(ev.Kind)),
	)
	return domain.Result{Outcome: domain.OutcomeRecovered}, nil
}

// admit makes v usable by the event's device and opens the session. A
// GENERATED voucher is activated and an ACTIVE one binds the MAC. Binding,
// activation and open share one savepoint, so a rejected event leaves no
// binding behind and its authorize is never queued. Lapse transitions are
// written to the outer transaction and survive the rejection.
func (r *Reconciler) admit(ctx context.Context, tx *gorm.DB, v *voucherdomain.Voucher, ev domain.Event, startedAt time.Time, recovered bool, now time.Time, batch *nas.Batch) error {
	if err := r.vouchers.ExpireLapsedTx(ctx, tx, v, now, batch); err != nil {
		return err
	}
	if ev.MACAddress == "" && v.Status != voucherdomain.StatusActive {
		return voucherdomain.ErrNotActive
	}

	saved := *v
	pending := &nas.Batch{}
	err := tx.Transaction(func(sp *gorm.DB) error {
		if ev.MACAddress != "" {
			if err := r.vouchers.ActivateTx(ctx, sp, v, ev.MACAddress, now, pending); err != nil {
				return err
			}
		}
		_, err := r.sessions.OpenTx(ctx, sp, v, sessiondomain.OpenRequest{
			NASID:       ev.NASID,
			SessionKey:  ev.SessionKey,
			VoucherCode: v.Code,
			MACAddress:  ev.MACAddress,
			IPAddress:   ev.IPAddress,
			StartedAt:   startedAt,
			Recovered:   recovered,
		})
		return err
	})
	if err != nil {
		*v = saved
		return err
	}
	batch.Merge(pending)
	return nil
}

// reject turns a domain error into a dead-letter result. Errors it does
// not recognise are infrastructure failures and abort the event.
func (r *Reconciler) reject(ev domain.Event, err error, batch *nas.Batch) (domain.Result, error) {
	var (
		reason     string
		disconnect bool
	)
	switch {
	case errors.Is(err, voucherdomain.ErrAlreadyUsed),
		errors.Is(err, voucherdomain.ErrExpired),
		errors.Is(err, voucherdomain.ErrCancelled),
		errors.Is(err, voucherdomain.ErrNotActive):
		reason, disconnect = domain.ReasonVoucherNotActive, true
	case errors.Is(err, devicedomain.ErrConflict):
		reason, disconnect = domain.ReasonDeviceConflict, true
	case errors.Is(err, devicedomain.ErrDeviceLimit):
		reason, disconnect = domain.ReasonDeviceLimit, true
	case errors.Is(err, devicedomain.ErrInvalidMAC):
		reason = domain.ReasonInvalidEvent
	case errors.Is(err, sessiondomain.ErrAlreadyOnline):
		reason, disconnect = domain.ReasonAlreadyOnline, true
	case errors.Is(err, sessiondomain.ErrSessionClosed):
		reason = domain.ReasonSessionClosed
	case errors.Is(err, sessiondomain.ErrDuplicateSession):
		reason = domain.ReasonDuplicateSession
	default:
		return domain.Result{}, err
	}
	if disconnect && ev.Kind != domain.KindStop {
		batch.Add(nas.Disconnect(ev.VoucherCode, ev.NASID, ev.SessionKey, reason))
	}
	return deadLettered(reason), nil
}

func (r *Reconciler) newAuditRecord(ev domain.Event, fp string, now time.Time) *domain.AuditRecord {
	return &domain.AuditRecord{
		ID:             r.genID.Generate(),
		Fingerprint:    fp,
		NASID:          ev.NASID,
		EventID:        ev.EventID,
		SessionKey:     ev.SessionKey,
		VoucherCode:    ev.VoucherCode,
		Kind:           ev.Kind,
		BytesIn:        ev.BytesIn,
		BytesOut:       ev.BytesOut,
		ElapsedSeconds: ev.ElapsedSeconds,
		EventAt:        ev.EventAt,
		Outcome:        domain.OutcomeApplied,
		ReceivedAt:     now,
	}
}

func (r *Reconciler) newDeadLetter(ev domain.Event, reason, detail string, now time.Time) *domain.DeadLetter {
	payload, err := json.Marshal(ev)
	if err != nil {
		payload = []byte("{}")
	}
	return &domain.DeadLetter{
		ID:          r.genID.Generate(),
		Reason:      reason,
		NASID:       ev.NASID,
		SessionKey:  ev.SessionKey,
		VoucherCode: ev.VoucherCode,
		Kind:        ev.Kind,
		Detail:      detail,
		Payload:     datatypes.JSON(payload),
		CreatedAt:   now,
	}
}

func (r *Reconciler) reportDeadLetter(ctx context.Context, dl *domain.DeadLetter) {
	r.metrics.RecordDeadLetter(ctx, dl.Reason)
	r.log.Warn("accounting event dead-lettered",
		zap.String("reason", dl.Reason),
		zap.String("voucher_code", dl.VoucherCode),
		zap.String("nas_id", dl.NASID),
		zap.String("session_key", dl.SessionKey),
		zap.String("kind", string(dl.Kind)),
		zap.String("detail", dl.Detail),
	)
}

func deadLettered(reason string) domain.Result {
	return domain.Result{Outcome: domain.OutcomeDeadLettered, Reason: reason}
}

func counterUpdate(ev domain.Event) sessiondomain.CounterUpdate {
	return sessiondomain.CounterUpdate{
		NASID:          ev.NASID,
		SessionKey:     ev.SessionKey,
		BytesIn:        ev.BytesIn,
		BytesOut:       ev.BytesOut,
		ElapsedSeconds: ev.ElapsedSeconds,
		EventAt:        ev.EventAt,
	}
}

func normalize(ev domain.Event) domain.Event {
	ev.NASID = strings.TrimSpace(ev.NASID)
	ev.EventID = strings.TrimSpace(ev.EventID)
	ev.SessionKey = strings.TrimSpace(ev.SessionKey)
	ev.VoucherCode = strings.ToUpper(strings.TrimSpace(ev.VoucherCode))
	ev.MACAddress = strings.TrimSpace(ev.MACAddress)
	ev.IPAddress = strings.TrimSpace(ev.IPAddress)
	ev.Kind = domain.Kind(strings.ToUpper(strings.TrimSpace(string(ev.Kind))))
	if !ev.EventAt.IsZero() {
		ev.EventAt = ev.EventAt.UTC()
	}
	return ev
}
