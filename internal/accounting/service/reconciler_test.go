package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/hotspotd/internal/accounting/domain"
	"github.com/smallbiznis/hotspotd/internal/accounting/repository"
	"github.com/smallbiznis/hotspotd/internal/nas"
	sessiondomain "github.com/smallbiznis/hotspotd/internal/session/domain"
	"github.com/smallbiznis/hotspotd/internal/testutil/enginetest"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	pkgrepo "github.com/smallbiznis/hotspotd/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	mb  = int64(1 << 20)
	gib = int64(1 << 30)
	mac = "AA:BB:CC:DD:EE:FF"
)

var t0 = enginetest.T0

func newReconciler(c *enginetest.Core) *Reconciler {
	return NewReconciler(Params{
		DB:          c.DB,
		Log:         zap.NewNop(),
		GenID:       c.Node,
		Locker:      c.Locker,
		Clock:       c.Clock,
		Config:      c.Config,
		Repo:        repository.New(),
		DeadLetters: pkgrepo.ProvideStore[domain.DeadLetter](c.DB),
		Vouchers:    c.Vouchers,
		Sessions:    c.Sessions,
		SessionRepo: c.SessionRepo,
		Sink:        c.Sink,
	})
}

func event(kind domain.Kind, code, key string, bytesIn, bytesOut, secs int64, at time.Time) domain.Event {
	return domain.Event{
		NASID:          "nas-1",
		SessionKey:     key,
		VoucherCode:    code,
		MACAddress:     mac,
		IPAddress:      "10.0.0.7",
		Kind:           kind,
		BytesIn:        bytesIn,
		BytesOut:       bytesOut,
		ElapsedSeconds: secs,
		EventAt:        at,
	}
}

func ingest(t *testing.T, r *Reconciler, ev domain.Event) domain.Result {
	t.Helper()
	res, err := r.Ingest(context.Background(), ev)
	require.NoError(t, err)
	return res
}

func session(t *testing.T, c *enginetest.Core, key string) *sessiondomain.Session {
	t.Helper()
	sess, err := c.SessionRepo.FindByKey(context.Background(), c.DB, "nas-1", key)
	require.NoError(t, err)
	return sess
}

func TestDailyVoucherCapsAtSecondInterim(t *testing.T) {
	c := enginetest.New(t, nil)
	r := newReconciler(c)
	c.GenerateWithCode(t, "ABC123", "ORD-1", enginetest.DailyPackage(gib))

	_, err := c.Vouchers.Activate(context.Background(), "ABC123", mac)
	require.NoError(t, err)
	v := c.Voucher(t, "ABC123")
	require.True(t, v.ExpiresAt.Equal(t0.Add(24*time.Hour)))

	c.Clock.Set(t0.Add(time.Minute))
	res := ingest(t, r, event(domain.KindStart, "ABC123", "s-1", 0, 0, 0, t0.Add(time.Minute)))
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
	assert.Equal(t, sessiondomain.StatusOnline, session(t, c, "s-1").Status)

	c.Clock.Set(t0.Add(30 * time.Minute))
	res = ingest(t, r, event(domain.KindInterim, "ABC123", "s-1", 400*mb, 100*mb, 29*60, t0.Add(30*time.Minute)))
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
	assert.Equal(t, voucherdomain.StatusActive, c.Voucher(t, "ABC123").Status)

	c.Sink.Reset()
	c.Clock.Set(t0.Add(60 * time.Minute))
	res = ingest(t, r, event(domain.KindInterim, "ABC123", "s-1", 900*mb, 200*mb, 59*60, t0.Add(60*time.Minute)))
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)

	v = c.Voucher(t, "ABC123")
	assert.Equal(t, voucherdomain.StatusUsed, v.Status)
	assert.Equal(t, voucherdomain.UsageUsed, v.UsageStatus)
	assert.Equal(t, gib, v.BytesUsed)

	disconnects := c.Sink.OfType(nas.CommandDisconnect)
	require.Len(t, disconnects, 1)
	assert.Equal(t, "s-1", disconnects[0].SessionKey)
}

func TestStartActivatesGeneratedVoucher(t *testing.T) {
	c := enginetest.New(t, nil)
	r := newReconciler(c)
	v := c.Generate(t, "ORD-1", enginetest.DailyPackage(0))

	res := ingest(t, r, event(domain.KindStart, v.Code, "s-1", 0, 0, 0, t0))
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)

	stored := c.Voucher(t, v.Code)
	assert.Equal(t, voucherdomain.StatusActive, stored.Status)
	require.NotNil(t, stored.ExpiresAt)
	assert.Len(t, c.Sink.OfType(nas.CommandAuthorize), 1)
}

func TestDuplicateEvents(t *testing.T) {
	c := enginetest.New(t, nil)
	r := newReconciler(c)
	v := c.Generate(t, "ORD-1", enginetest.DailyPackage(0))

	ingest(t, r, event(domain.KindStart, v.Code, "s-1", 0, 0, 0, t0))
	interim := event(domain.KindInterim, v.Code, "s-1", 100, 100, 60, t0.Add(time.Minute))
	assert.Equal(t, domain.OutcomeApplied, ingest(t, r, interim).Outcome)
	assert.Equal(t, domain.OutcomeDuplicate, ingest(t, r, interim).Outcome, "fast path")

	fresh := newReconciler(c)
	replay := interim
	replay.EventAt = t0.Add(2 * time.Minute)
	assert.Equal(t, domain.OutcomeDuplicate, ingest(t, fresh, replay).Outcome, "persisted fingerprint")

	assert.Equal(t, int64(200), c.Voucher(t, v.Code).BytesUsed)

	var audits int64
	require.NoError(t, c.DB.Model(&domain.AuditRecord{}).Count(&audits).Error)
	assert.EqualValues(t, 2, audits)
}

func TestUnknownVoucherIsDeadLettered(t *testing.T) {
	c := enginetest.New(t, nil)
	r := newReconciler(c)

	res := ingest(t, r, event(domain.KindStart, "GHOST123", "s-1", 0, 0, 0, t0))
	assert.Equal(t, domain.OutcomeDeadLettered, res.Outcome)
	assert.Equal(t, domain.ReasonUnknownVoucher, res.Reason)

	letters, err := r.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, domain.ReasonUnknownVoucher, letters[0].Reason)
	assert.Equal(t, "GHOST123", letters[0].VoucherCode)
	assert.Contains(t, string(letters[0].Payload), `"session_key":"s-1"`)
}

func TestInvalidEventIsDeadLettered(t *testing.T) {
	c := enginetest.New(t, nil)
	r := newReconciler(c)

	ev := event(domain.KindStart, "ABC123", "", 0, 0, 0, t0)
	res := ingest(t, r, ev)
	assert.Equal(t, domain.OutcomeDeadLettered, res.Outcome)
	assert.Equal(t, domain.ReasonInvalidEvent, res.Reason)

	ev = event(domain.Kind("ACCOUNTING-ON"), "ABC123", "s-1", 0, 0, 0, t0)
	res = ingest(t, r, ev)
	assert.Equal(t, domain.ReasonInvalidEvent, res.Reason)

	ev = event(domain.KindInterim, "ABC123", "s-1", -5, 0, 0, t0)
	res = ingest(t, r, ev)
	assert.Equal(t, domain.ReasonInvalidEvent, res.Reason)

	letters, err := r.DeadLetters(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, letters, 3)
	assert.NotEmpty(t, letters[0].Detail)
}

func TestStopForUnknownSessionIsRecovered(t *testing.T) {
	c := enginetest.New(t, nil)
	r := newReconciler(c)
	v := c.Generate(t, "ORD-1", enginetest.DailyPackage(0))
	_, err := c.Vouchers.Activate(context.Background(), v.Code, mac)
	require.NoError(t, err)

	res := ingest(t, r, event(domain.KindStop, v.Code, "lost-start", 300, 700, 600, t0.Add(20*time.Minute)))
	assert.Equal(t, domain.OutcomeRecovered, res.Outcome)

	sess := session(t, c, "lost-start")
	assert.Equal(t, sessiondomain.StatusOffline, sess.Status)
	assert.Equal(t, sessiondomain.CloseRecovered, sess.CloseReason)
	assert.True(t, sess.StartedAt.Equal(t0.Add(10*time.Minute)))
	assert.Equal(t, int64(600), sess.ElapsedSeconds)
	assert.Equal(t, int64(1000), c.Voucher(t, v.Code).BytesUsed)
}

func TestInterimForUnknownSessionIsRecovered(t *testing.T) {
	c := enginetest.New(t, nil)
	r := newReconciler(c)
	v := c.Generate(t, "ORD-1", enginetest.DailyPackage(0))

	res := ingest(t, r, event(domain.KindInterim, v.Code, "s-9", 50, 50, 120, t0.Add(5*time.Minute)))
	assert.Equal(t, domain.OutcomeRecovered, res.Outcome)

	sess := session(t, c, "s-9")
	assert.Equal(t, sessiondomain.StatusOnline, sess.Status)
	assert.True(t, sess.Recovered)
	assert.False(t, sess.Synthetic)
	assert.True(t, sess.StartedAt.Equal(t0.Add(3*time.Minute)))
	assert.Equal(t, voucherdomain.StatusActive, c.Voucher(t, v.Code).Status)

	res = ingest(t, r, event(domain.KindInterim, v.Code, "s-9", 80, 80, 180, t0.Add(6*time.Minute)))
	assert.Equal(t, domain.OutcomeApplied, res.Outcome)
	assert.Equal(t, int64(160), c.Voucher(t, v.Code).BytesUsed)
}

func TestStartOnTerminalVoucherDisconnects(t *testing.T) {
	c := enginetest.New(t, nil)
	r := newReconciler(c)
	v := c.Generate(t, "ORD-1", enginetest.DailyPackage(0))
	_, err := c.Vouchers.Cancel(context.Background(), v.Code)
	require.NoError(t, err)

	res := ingest(t, r, event(domain.KindStart, v.Code, "s-1", 0, 0, 0, t0))
	assert.Equal(t, domain.OutcomeDeadLettered, res.Outcome)
	assert.Equal(t, domain.ReasonVoucherNotActive, res.Reason)

	disconnects := c.Sink.OfType(nas.CommandDisconnect)
	require.Len(t, disconnects, 1)
	assert.Equal(t, "s-1", disconnects[0].SessionKey)

	_, err = c.SessionRepo.FindByKey(context.Background(), c.DB, "nas-1", "s-1")
	assert.ErrorIs(t, err, sessiondomain.ErrSessionNotFound)
}

func TestSecondOnlineSessionIsRejected(t *testing.T) {
	c := enginetest.New(t, nil)
	r := newReconciler(c)
	v := c.Generate(t, "ORD-1", enginetest.DailyPackage(0))

	ingest(t, r, event(domain.KindStart, v.Code, "s-1", 0, 0, 0, t0))
	res := ingest(t, r, event(domain.KindStart, v.Code, "s-2", 0, 0, 0, t0.Add(time.Minute)))
	assert.Equal(t, domain.OutcomeDeadLettered, res.Outcome)
	assert.Equal(t, domain.ReasonAlreadyOnline, res.Reason)

	assert.Equal(t, sessiondomain.StatusOnline, session(t, c, "s-1").Status)
	_, err := c.SessionRepo.FindByKey(context.Background(), c.DB, "nas-1", "s-2")
	assert.ErrorIs(t, err, sessiondomain.ErrSessionNotFound)

	var outcome domain.AuditRecord
	require.NoError(t, c.DB.Where("session_key = ?", "s-2").First(&outcome).Error)
	assert.Equal(t, domain.OutcomeDeadLettered, outcome.Outcome)
	assert.Equal(t, domain.ReasonAlreadyOnline, outcome.Reason)
}

func TestRejectedStartLeavesNoBindingOrAuthorize(t *testing.T) {
	c := enginetest.New(t, nil)
	r := newReconciler(c)
	pkg := enginetest.DailyPackage(0)
	pkg.MaxDevices = 3
	v := c.Generate(t, "ORD-1", pkg)

	res := ingest(t, r, event(domain.KindStart, v.Code, "s-1", 0, 0, 0, t0))
	require.Equal(t, domain.OutcomeApplied, res.Outcome)
	c.Sink.Reset()

	second := event(domain.KindStart, v.Code, "s-2", 0, 0, 0, t0.Add(time.Minute))
	second.MACAddress = "11:22:33:44:55:66"
	res = ingest(t, r, second)
	assert.Equal(t, domain.OutcomeDeadLettered, res.Outcome)
	assert.Equal(t, domain.ReasonAlreadyOnline, res.Reason)

	assert.Empty(t, c.Sink.OfType(nas.CommandAuthorize))
	disconnects := c.Sink.OfType(nas.CommandDisconnect)
	require.Len(t, disconnects, 1)
	assert.Equal(t, "s-2", disconnects[0].SessionKey)

	bindings, err := c.Devices.List(context.Background(), v.Code)
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.Equal(t, mac, bindings[0].MACAddress)
}

func TestRejectedStartKeepsLapseTransition(t *testing.T) {
	c := enginetest.New(t, nil)
	r := newReconciler(c)
	v := c.Generate(t, "ORD-1", enginetest.DailyPackage(0))
	_, err := c.Vouchers.Activate(context.Background(), v.Code, mac)
	require.NoError(t, err)

	c.Clock.Set(t0.Add(25 * time.Hour))
	res := ingest(t, r, event(domain.KindStart, v.Code, "s-1", 0, 0, 0, t0.Add(25*time.Hour)))
	assert.Equal(t, domain.OutcomeDeadLettered, res.Outcome)
	assert.Equal(t, domain.ReasonVoucherNotActive, res.Reason)
	assert.Equal(t, voucherdomain.StatusExpired, c.Voucher(t, v.Code).Status)
}

func TestDeviceConflictIsDeadLettered(t *testing.T) {
	c := enginetest.New(t, nil)
	r := newReconciler(c)
	first := c.Generate(t, "ORD-1", enginetest.DailyPackage(0))
	second := c.Generate(t, "ORD-2", enginetest.DailyPackage(0))

	ingest(t, r, event(domain.KindStart, first.Code, "s-1", 0, 0, 0, t0))
	res := ingest(t, r, event(domain.KindStart, second.Code, "s-2", 0, 0, 0, t0))
	assert.Equal(t, domain.OutcomeDeadLettered, res.Outcome)
	assert.Equal(t, domain.ReasonDeviceConflict, res.Reason)
	assert.Equal(t, voucherdomain.StatusGenerated, c.Voucher(t, second.Code).Status)
}

func TestLateInterimAfterStopIsStale(t *testing.T) {
	c := enginetest.New(t, nil)
	r := newReconciler(c)
	v := c.Generate(t, "ORD-1", enginetest.DailyPackage(0))

	ingest(t, r, event(domain.KindStart, v.Code, "s-1", 0, 0, 0, t0))
	ingest(t, r, event(domain.KindStop, v.Code, "s-1", 500, 500, 600, t0.Add(10*time.Minute)))

	res := ingest(t, r, event(domain.KindInterim, v.Code, "s-1", 400, 400, 300, t0.Add(5*time.Minute)))
	assert.Equal(t, domain.OutcomeStale, res.Outcome)
	assert.Equal(t, int64(1000), c.Voucher(t, v.Code).BytesUsed)
}

func TestFingerprintIgnoresArrivalTime(t *testing.T) {
	a := event(domain.KindInterim, "ABC123", "s-1", 1, 2, 3, t0)
	b := a
	b.EventAt = t0.Add(time.Hour)
	b.EventID = "other"
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	b.BytesIn = 9
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}
