package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hotspotd/internal/clock"
	devicerepo "github.com/smallbiznis/hotspotd/internal/device/repository"
	deviceservice "github.com/smallbiznis/hotspotd/internal/device/service"
	"github.com/smallbiznis/hotspotd/internal/keylock"
	"github.com/smallbiznis/hotspotd/internal/nas"
	"github.com/smallbiznis/hotspotd/internal/session/domain"
	"github.com/smallbiznis/hotspotd/internal/session/repository"
	"github.com/smallbiznis/hotspotd/internal/testutil"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	voucherrepo "github.com/smallbiznis/hotspotd/internal/voucher/repository"
	voucherservice "github.com/smallbiznis/hotspotd/internal/voucher/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

const mac = "aa:bb:cc:dd:ee:01"

type fixture struct {
	svc      *Service
	vouchers *voucherservice.Service
	db       *gorm.DB
	clock    *clock.FakeClock
	sink     *testutil.Sink
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(t0)
	locker := keylock.NewStriped(0)
	sink := &testutil.Sink{}
	vrepo := voucherrepo.New()
	srepo := repository.New()

	devices := deviceservice.NewService(deviceservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Locker: locker, Clock: clk,
		Repo: devicerepo.New(), Vouchers: vrepo,
	})
	vouchers := voucherservice.NewService(voucherservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Locker: locker, Clock: clk,
		Config: testutil.EngineConfig(t, nil), Repo: vrepo, Binder: devices,
		Sessions: srepo, Sink: sink,
	})
	svc := NewService(Params{
		DB: db, Log: zap.NewNop(), GenID: node, Locker: locker, Clock: clk,
		Repo: srepo, Vouchers: vouchers, Sink: sink,
	})
	return &fixture{svc: svc, vouchers: vouchers, db: db, clock: clk, sink: sink}
}

// activeVoucher returns an activated 1-day voucher with the given data cap.
func (f *fixture) activeVoucher(t *testing.T, orderID string, dataCap int64) *voucherdomain.Voucher {
	t.Helper()
	v, err := f.vouchers.Generate(context.Background(), voucherdomain.GenerateRequest{
		OrderID: orderID,
		Package: voucherdomain.Package{
			ID:              "daily",
			Type:            voucherdomain.PackageHotspot,
			DurationSeconds: 86400,
			DataCapBytes:    dataCap,
		},
	})
	require.NoError(t, err)
	v, err = f.vouchers.Activate(context.Background(), v.Code, mac)
	require.NoError(t, err)
	f.sink.Reset()
	return v
}

func (f *fixture) open(t *testing.T, v *voucherdomain.Voucher, key string) *domain.Session {
	t.Helper()
	sess, err := f.svc.Open(context.Background(), domain.OpenRequest{
		NASID:       "nas-1",
		SessionKey:  key,
		VoucherCode: v.Code,
		MACAddress:  mac,
		IPAddress:   "10.0.0.2",
		StartedAt:   f.clock.Now(),
	})
	require.NoError(t, err)
	return sess
}

func counters(key string, in, out, secs int64, at time.Time) domain.CounterUpdate {
	return domain.CounterUpdate{
		NASID:          "nas-1",
		SessionKey:     key,
		BytesIn:        in,
		BytesOut:       out,
		ElapsedSeconds: secs,
		EventAt:        at,
	}
}

func (f *fixture) voucherByCode(t *testing.T, code string) voucherdomain.Voucher {
	t.Helper()
	var v voucherdomain.Voucher
	require.NoError(t, f.db.Where("code = ?", code).First(&v).Error)
	return v
}

func TestSessionLifecycleAccumulatesDeltas(t *testing.T) {
	f := setup(t)
	v := f.activeVoucher(t, "ORD-1", 0)
	sess := f.open(t, v, "s-1")
	assert.Equal(t, domain.StatusOnline, sess.Status)

	res, err := f.svc.ApplyInterim(context.Background(), counters("s-1", 100, 200, 60, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, int64(300), res.DeltaBytes)
	assert.Equal(t, int64(60), res.DeltaSeconds)

	res, err = f.svc.ApplyInterim(context.Background(), counters("s-1", 150, 250, 120, t0.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.DeltaBytes)

	res, err = f.svc.Close(context.Background(), counters("s-1", 200, 300, 180, t0.Add(3*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOffline, res.Session.Status)
	assert.Equal(t, domain.CloseStop, res.Session.CloseReason)
	require.NotNil(t, res.Session.EndedAt)
	assert.True(t, res.Session.EndedAt.Equal(t0.Add(3*time.Minute)))
	assert.Equal(t, int64(200), res.Session.BytesIn)
	assert.Equal(t, int64(300), res.Session.BytesOut)
	assert.Equal(t, int64(180), res.Session.ElapsedSeconds)

	stored := f.voucherByCode(t, v.Code)
	assert.Equal(t, int64(500), stored.BytesUsed)
	assert.Equal(t, int64(180), stored.SecondsUsed)
}

func TestCounterDecreaseIsAnomalyAndRebaselines(t *testing.T) {
	f := setup(t)
	v := f.activeVoucher(t, "ORD-1", 0)
	f.open(t, v, "s-1")

	_, err := f.svc.ApplyInterim(context.Background(), counters("s-1", 1000, 1000, 60, t0.Add(time.Minute)))
	require.NoError(t, err)

	res, err := f.svc.ApplyInterim(context.Background(), counters("s-1", 100, 1100, 120, t0.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, []string{"bytes_in"}, res.Anomalies)
	assert.Equal(t, int64(100), res.DeltaBytes, "only bytes_out contributes")

	res, err = f.svc.ApplyInterim(context.Background(), counters("s-1", 180, 1100, 180, t0.Add(3*time.Minute)))
	require.NoError(t, err)
	assert.Empty(t, res.Anomalies)
	assert.Equal(t, int64(80), res.DeltaBytes, "delta is taken from the new baseline")

	stored := f.voucherByCode(t, v.Code)
	assert.Equal(t, int64(2180), stored.BytesUsed)
}

func TestStaleAndLateInterimsAreIgnored(t *testing.T) {
	f := setup(t)
	v := f.activeVoucher(t, "ORD-1", 0)
	f.open(t, v, "s-1")

	_, err := f.svc.ApplyInterim(context.Background(), counters("s-1", 500, 500, 120, t0.Add(2*time.Minute)))
	require.NoError(t, err)

	res, err := f.svc.ApplyInterim(context.Background(), counters("s-1", 300, 300, 60, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Empty(t, res.Anomalies)

	_, err = f.svc.Close(context.Background(), counters("s-1", 600, 600, 180, t0.Add(3*time.Minute)))
	require.NoError(t, err)

	res, err = f.svc.ApplyInterim(context.Background(), counters("s-1", 700, 700, 240, t0.Add(4*time.Minute)))
	require.NoError(t, err)
	assert.True(t, res.Stale, "interim after stop is ignored")

	stored := f.voucherByCode(t, v.Code)
	assert.Equal(t, int64(1200), stored.BytesUsed)
}

func TestOpenConflicts(t *testing.T) {
	f := setup(t)
	v := f.activeVoucher(t, "ORD-1", 0)
	f.open(t, v, "s-1")

	_, err := f.svc.Open(context.Background(), domain.OpenRequest{NASID: "nas-1", SessionKey: "s-1", VoucherCode: v.Code})
	assert.ErrorIs(t, err, domain.ErrDuplicateSession)

	_, err = f.svc.Open(context.Background(), domain.OpenRequest{NASID: "nas-1", SessionKey: "s-2", VoucherCode: v.Code})
	assert.ErrorIs(t, err, domain.ErrAlreadyOnline)

	_, err = f.svc.Close(context.Background(), counters("s-1", 0, 0, 10, t0.Add(time.Minute)))
	require.NoError(t, err)

	_, err = f.svc.Open(context.Background(), domain.OpenRequest{NASID: "nas-1", SessionKey: "s-1", VoucherCode: v.Code})
	assert.ErrorIs(t, err, domain.ErrSessionClosed)

	f.open(t, v, "s-2")
}

func TestOpenRequiresActiveVoucher(t *testing.T) {
	f := setup(t)
	v, err := f.vouchers.Generate(context.Background(), voucherdomain.GenerateRequest{
		OrderID: "ORD-1",
		Package: voucherdomain.Package{ID: "daily", DurationSeconds: 86400},
	})
	require.NoError(t, err)

	_, err = f.svc.Open(context.Background(), domain.OpenRequest{NASID: "nas-1", SessionKey: "s-1", VoucherCode: v.Code})
	assert.ErrorIs(t, err, voucherdomain.ErrNotActive)
}

func TestConcurrentOpenYieldsOneOnlineSession(t *testing.T) {
	f := setup(t)
	v := f.activeVoucher(t, "ORD-1", 0)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Open(context.Background(), domain.OpenRequest{
				NASID:       "nas-1",
				SessionKey:  fmt.Sprintf("s-%d", i),
				VoucherCode: v.Code,
				StartedAt:   t0,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrAlreadyOnline):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, rejected)

	var online int64
	require.NoError(t, f.db.Model(&domain.Session{}).
		Where("voucher_id = ? AND status = ?", v.ID, domain.StatusOnline).
		Count(&online).Error)
	assert.EqualValues(t, 1, online)
}

func TestInterimReachingCapDisconnects(t *testing.T) {
	f := setup(t)
	v := f.activeVoucher(t, "ORD-1", 1000)
	f.open(t, v, "s-1")

	_, err := f.svc.ApplyInterim(context.Background(), counters("s-1", 700, 400, 60, t0.Add(time.Minute)))
	require.NoError(t, err)

	stored := f.voucherByCode(t, v.Code)
	assert.Equal(t, voucherdomain.StatusUsed, stored.Status)
	assert.Equal(t, int64(1000), stored.BytesUsed)

	disconnects := f.sink.OfType(nas.CommandDisconnect)
	require.Len(t, disconnects, 1)
	assert.Equal(t, "s-1", disconnects[0].SessionKey)
}

func TestStopAfterSyntheticCloseRefreshesCounters(t *testing.T) {
	f := setup(t)
	v := f.activeVoucher(t, "ORD-1", 0)
	f.open(t, v, "s-1")

	_, err := f.svc.ApplyInterim(context.Background(), counters("s-1", 100, 100, 60, t0.Add(time.Minute)))
	require.NoError(t, err)

	closed, err := f.svc.CloseSynthetic(context.Background(), "nas-1", "s-1", t0.Add(time.Minute), domain.CloseStale)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOffline, closed.Status)
	assert.True(t, closed.Synthetic)
	assert.Len(t, f.sink.OfType(nas.CommandDisconnect), 1)

	res, err := f.svc.Close(context.Background(), counters("s-1", 150, 150, 90, t0.Add(90*time.Second)))
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Equal(t, domain.CloseStale, res.Session.CloseReason)
	assert.True(t, res.Session.EndedAt.Equal(t0.Add(90*time.Second)))
	assert.Equal(t, int64(150), res.Session.BytesIn)

	res, err = f.svc.Close(context.Background(), counters("s-1", 150, 150, 90, t0.Add(80*time.Second)))
	require.NoError(t, err)
	assert.True(t, res.Stale)

	stored := f.voucherByCode(t, v.Code)
	assert.Equal(t, int64(300), stored.BytesUsed)
}

func TestStopIsTerminalOnceApplied(t *testing.T) {
	f := setup(t)
	v := f.activeVoucher(t, "ORD-1", 0)

	_, err := f.svc.Open(context.Background(), domain.OpenRequest{
		NASID:       "nas-1",
		SessionKey:  "s-1",
		VoucherCode: v.Code,
		MACAddress:  mac,
		StartedAt:   t0,
		Recovered:   true,
	})
	require.NoError(t, err)

	res, err := f.svc.Close(context.Background(), counters("s-1", 100, 100, 60, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.Equal(t, domain.CloseStop, res.Session.CloseReason)
	assert.True(t, res.Session.Recovered)
	assert.False(t, res.Session.Synthetic)

	res, err = f.svc.Close(context.Background(), counters("s-1", 500, 500, 120, t0.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.True(t, res.Stale, "a second STOP for a recovered session is ignored")

	f.open(t, v, "s-2")
	_, err = f.svc.CloseSynthetic(context.Background(), "nas-1", "s-2", t0.Add(3*time.Minute), domain.CloseStale)
	require.NoError(t, err)
	res, err = f.svc.Close(context.Background(), counters("s-2", 10, 10, 10, t0.Add(4*time.Minute)))
	require.NoError(t, err)
	assert.False(t, res.Stale, "the first STOP after a synthetic close refines it")
	res, err = f.svc.Close(context.Background(), counters("s-2", 90, 90, 90, t0.Add(5*time.Minute)))
	require.NoError(t, err)
	assert.True(t, res.Stale, "later STOPs are ignored")

	assert.Equal(t, int64(220), f.voucherByCode(t, v.Code).BytesUsed)
}

func TestUnknownSession(t *testing.T) {
	f := setup(t)
	_, err := f.svc.ApplyInterim(context.Background(), counters("missing", 1, 1, 1, t0))
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}
