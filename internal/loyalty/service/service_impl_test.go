package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/hotspotd/internal/clock"
	"github.com/smallbiznis/hotspotd/internal/config"
	"github.com/smallbiznis/hotspotd/internal/keylock"
	"github.com/smallbiznis/hotspotd/internal/loyalty/domain"
	"github.com/smallbiznis/hotspotd/internal/loyalty/repository"
	"github.com/smallbiznis/hotspotd/internal/testutil"
	voucherdomain "github.com/smallbiznis/hotspotd/internal/voucher/domain"
	pkgrepo "github.com/smallbiznis/hotspotd/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const phone = "+255700000001"

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	inventory *repository.Inventory
	svc       *Service
}

func newFixture(t *testing.T, inventory domain.Inventory) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	f := &fixture{
		db:        db,
		clock:     clock.NewFakeClock(t0),
		inventory: repository.NewInventory(),
	}
	if inventory == nil {
		inventory = f.inventory
	}
	f.svc = NewService(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Locker:    keylock.NewStriped(0),
		Clock:     f.clock,
		Config:    testutil.EngineConfig(t, nil),
		Repo:      repository.New(),
		Rules:     pkgrepo.ProvideStore[domain.PointRule](db),
		Inventory: inventory,
	})
	return f
}

func pkg(pkgType voucherdomain.PackageType, seconds int64) voucherdomain.Package {
	return voucherdomain.Package{ID: "pkg", Type: pkgType, DurationSeconds: seconds}
}

func (f *fixture) earn(t *testing.T, orderID string, p voucherdomain.Package) *domain.Transaction {
	t.Helper()
	tx, err := f.svc.OnPurchaseCompleted(context.Background(), domain.PurchaseCompleted{
		OrderID:     orderID,
		PhoneNumber: phone,
		Package:     p,
		Amount:      1000,
	})
	require.NoError(t, err)
	return tx
}

func (f *fixture) rule(t *testing.T, pkgType string, points int64, validityDays int) *domain.PointRule {
	t.Helper()
	rule, err := f.svc.CreateRule(context.Background(), domain.CreateRuleRequest{
		Name:              pkgType + " rule",
		PackageType:       pkgType,
		Points:            points,
		PointValidityDays: validityDays,
	})
	require.NoError(t, err)
	return rule
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.svc.Balance(context.Background(), phone)
	require.NoError(t, err)
	return b
}

func (f *fixture) count(t *testing.T, typ domain.TransactionType) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&domain.Transaction{}).Where("transaction_type = ?", typ).Count(&n).Error)
	return n
}

func (f *fixture) stock(t *testing.T, rewardID string) int64 {
	t.Helper()
	n, err := f.inventory.CheckStock(context.Background(), f.db, rewardID)
	require.NoError(t, err)
	return n
}

func TestSeededRulePrecedence(t *testing.T) {
	const day = int64(86400)
	cases := []struct {
		name   string
		pkg    voucherdomain.Package
		points int64
	}{
		{"time based offer beats daily", pkg(voucherdomain.PackageTimeBasedOffer, 12*3600), 1},
		{"half day hotspot", pkg(voucherdomain.PackageHotspot, 12*3600), 2},
		{"daily", pkg(voucherdomain.PackageHotspot, day), 2},
		{"weekly", pkg(voucherdomain.PackageHotspot, 7*day), 6},
		{"monthly", pkg(voucherdomain.PackagePPPoE, 30*day), 10},
		{"quarterly", pkg(voucherdomain.PackageHotspot, 90*day), 20},
		{"semester", pkg(voucherdomain.PackageHotspot, 180*day), 40},
	}
	f := newFixture(t, nil)
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := f.earn(t, fmt.Sprintf("ORD-%d", i), tc.pkg)
			require.NotNil(t, tx)
			assert.Equal(t, tc.points, tx.Points)
			require.NotNil(t, tx.ExpiresAt)
			assert.True(t, tx.ExpiresAt.Equal(t0.AddDate(0, 0, 90)))
		})
	}
}

func TestExactTypeRuleWinsOverWildcard(t *testing.T) {
	f := newFixture(t, nil)
	premium := f.rule(t, "PREMIUM", 300, 0)

	tx := f.earn(t, "ORD-1", pkg(voucherdomain.PackagePremium, 86400))
	require.NotNil(t, tx)
	assert.Equal(t, int64(300), tx.Points)
	require.NotNil(t, tx.RuleID)
	assert.Equal(t, premium.ID, *tx.RuleID)
}

func TestAccrualIsIdempotentPerOrder(t *testing.T) {
	f := newFixture(t, nil)

	first := f.earn(t, "ORD-1", pkg(voucherdomain.PackageHotspot, 86400))
	second := f.earn(t, "ORD-1", pkg(voucherdomain.PackageHotspot, 86400))
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), f.count(t, domain.TransactionEarned))
	assert.Equal(t, int64(2), f.balance(t))
}

func TestNoMatchingRuleEarnsNothing(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.db.Model(&domain.PointRule{}).Where("1 = 1").Update("is_active", false).Error)

	tx := f.earn(t, "ORD-1", pkg(voucherdomain.PackageHotspot, 86400))
	assert.Nil(t, tx)
	assert.Zero(t, f.count(t, domain.TransactionEarned))
}

func TestOnPurchaseCompletedValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.OnPurchaseCompleted(context.Background(), domain.PurchaseCompleted{PhoneNumber: phone})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	_, err = f.svc.OnPurchaseCompleted(context.Background(), domain.PurchaseCompleted{OrderID: "ORD-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidPhoneNumber)
}

func TestRedeemRejectsInsufficientPoints(t *testing.T) {
	f := newFixture(t, nil)
	f.rule(t, "PREMIUM", 300, 0)
	f.earn(t, "ORD-1", pkg(voucherdomain.PackagePremium, 86400))
	require.NoError(t, f.inventory.SetStock(context.Background(), f.db, "router", 5))
	require.Equal(t, int64(300), f.balance(t))

	_, err := f.svc.OnRedeem(context.Background(), phone, "router", 500)
	require.ErrorIs(t, err, domain.ErrInsufficientPoints)

	assert.Zero(t, f.count(t, domain.TransactionRedeemed))
	assert.Equal(t, int64(5), f.stock(t, "router"))
	assert.Equal(t, int64(300), f.balance(t))
}

func TestRedeemDeductsPointsAndStock(t *testing.T) {
	f := newFixture(t, nil)
	f.rule(t, "PREMIUM", 300, 0)
	f.earn(t, "ORD-1", pkg(voucherdomain.PackagePremium, 86400))
	require.NoError(t, f.inventory.SetStock(context.Background(), f.db, "router", 1))

	tx, err := f.svc.OnRedeem(context.Background(), phone, "router", 120)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionRedeemed, tx.TransactionType)
	assert.Equal(t, int64(-120), tx.Points)
	require.NotNil(t, tx.RedemptionID)
	_, err = ulid.Parse(*tx.RedemptionID)
	assert.NoError(t, err)

	assert.Equal(t, int64(180), f.balance(t))
	assert.Zero(t, f.stock(t, "router"))

	_, err = f.svc.OnRedeem(context.Background(), phone, "router", 10)
	require.ErrorIs(t, err, domain.ErrOutOfStock)
	assert.Equal(t, int64(1), f.count(t, domain.TransactionRedeemed))
	assert.Equal(t, int64(180), f.balance(t))
}

func TestRedeemValidatesInput(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.OnRedeem(context.Background(), phone, "router", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidPointsCost)
	_, err = f.svc.OnRedeem(context.Background(), phone, " ", 10)
	assert.ErrorIs(t, err, domain.ErrInvalidReward)
	_, err = f.svc.OnRedeem(context.Background(), "", "router", 10)
	assert.ErrorIs(t, err, domain.ErrInvalidPhoneNumber)
}

type mockInventory struct {
	mock.Mock
}

func (m *mockInventory) CheckStock(ctx context.Context, tx *gorm.DB, rewardID string) (int64, error) {
	args := m.Called(ctx, tx, rewardID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockInventory) DecrementStock(ctx context.Context, tx *gorm.DB, rewardID string) error {
	args := m.Called(ctx, tx, rewardID)
	return args.Error(0)
}

func TestRedeemRollsBackWhenDecrementLosesRace(t *testing.T) {
	inv := &mockInventory{}
	inv.On("CheckStock", mock.Anything, mock.Anything, "router").Return(int64(1), nil)
	inv.On("DecrementStock", mock.Anything, mock.Anything, "router").Return(domain.ErrOutOfStock)

	f := newFixture(t, inv)
	f.rule(t, "PREMIUM", 300, 0)
	f.earn(t, "ORD-1", pkg(voucherdomain.PackagePremium, 86400))

	_, err := f.svc.OnRedeem(context.Background(), phone, "router", 100)
	require.ErrorIs(t, err, domain.ErrOutOfStock)

	assert.Zero(t, f.count(t, domain.TransactionRedeemed))
	assert.Equal(t, int64(300), f.balance(t))
	inv.AssertExpectations(t)
}

func TestLapsedLotsAreOffsetNotMutated(t *testing.T) {
	f := newFixture(t, nil)
	f.rule(t, "PREMIUM", 100, 90)
	earned := f.earn(t, "ORD-1", pkg(voucherdomain.PackagePremium, 86400))
	require.NoError(t, f.inventory.SetStock(context.Background(), f.db, "router", 10))

	f.clock.Set(t0.Add(24 * time.Hour))
	_, err := f.svc.OnRedeem(context.Background(), phone, "router", 30)
	require.NoError(t, err)
	require.Equal(t, int64(70), f.balance(t))

	f.clock.Set(t0.AddDate(0, 0, 91))
	assert.Zero(t, f.balance(t), "lapsed lot contributes nothing")

	n, err := f.svc.ExpirePoints(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.balance(t))

	n, err = f.svc.ExpirePoints(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "a lot is settled once")

	var offset domain.Transaction
	require.NoError(t, f.db.Where("transaction_type = ?", domain.TransactionExpired).First(&offset).Error)
	assert.Equal(t, int64(-70), offset.Points)
	require.NotNil(t, offset.SourceTransactionID)
	assert.Equal(t, earned.ID, *offset.SourceTransactionID)

	var original domain.Transaction
	require.NoError(t, f.db.First(&original, "id = ?", earned.ID).Error)
	assert.Equal(t, int64(100), original.Points)
}

func TestRedemptionsDrawEarliestExpiringLotFirst(t *testing.T) {
	f := newFixture(t, nil)
	f.rule(t, "PREMIUM", 100, 30)
	f.rule(t, "STUDENT", 50, 90)
	require.NoError(t, f.inventory.SetStock(context.Background(), f.db, "router", 10))

	f.earn(t, "ORD-LONG", pkg(voucherdomain.PackageStudent, 86400))
	f.earn(t, "ORD-SHORT", pkg(voucherdomain.PackagePremium, 86400))
	require.Equal(t, int64(150), f.balance(t))

	// 120 empties the 30-day lot and takes 20 from the 90-day lot.
	_, err := f.svc.OnRedeem(context.Background(), phone, "router", 120)
	require.NoError(t, err)

	f.clock.Set(t0.AddDate(0, 0, 31))
	assert.Equal(t, int64(30), f.balance(t))

	n, err := f.svc.ExpirePoints(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "the short lot was fully spent")

	f.clock.Set(t0.AddDate(0, 0, 91))
	assert.Zero(t, f.balance(t))
	n, err = f.svc.ExpirePoints(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.balance(t))
}

func TestHistoryNewestFirst(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.inventory.SetStock(context.Background(), f.db, "router", 10))
	f.earn(t, "ORD-1", pkg(voucherdomain.PackageHotspot, 7*86400))
	f.clock.Advance(time.Minute)
	_, err := f.svc.OnRedeem(context.Background(), phone, "router", 5)
	require.NoError(t, err)

	txs, err := f.svc.History(context.Background(), phone, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, domain.TransactionRedeemed, txs[0].TransactionType)
	assert.Equal(t, domain.TransactionEarned, txs[1].TransactionType)
}

func TestCreateRuleValidation(t *testing.T) {
	f := newFixture(t, nil)
	two := 2
	cases := map[string]domain.CreateRuleRequest{
		"missing name":    {Points: 5},
		"zero points":     {Name: "x"},
		"negative min":    {Name: "x", Points: 5, MinDurationDays: -1},
		"inverted range":  {Name: "x", Points: 5, MinDurationDays: 3, MaxDurationDays: &two},
		"unknown package": {Name: "x", Points: 5, PackageType: "GOLD"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateRule(context.Background(), req)
			assert.ErrorIs(t, err, domain.ErrInvalidRule)
		})
	}
}

func TestListRulesInPrecedenceOrder(t *testing.T) {
	f := newFixture(t, nil)
	rules, err := f.svc.ListRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 6)

	assert.Equal(t, "TIME_BASED_OFFER", rules[0].PackageType)
	assert.Nil(t, rules[len(rules)-1].MaxDurationDays, "open ranges sort last")
	for i := 1; i < len(rules); i++ {
		assert.False(t, rules[i].Before(rules[i-1]), "rule %d out of order", i)
	}
}

func TestDeactivatedRuleStopsMatchingButKeepsPoints(t *testing.T) {
	f := newFixture(t, nil)
	premium := f.rule(t, "PREMIUM", 300, 0)
	f.earn(t, "ORD-1", pkg(voucherdomain.PackagePremium, 86400))

	rule, err := f.svc.DeactivateRule(context.Background(), premium.ID)
	require.NoError(t, err)
	assert.False(t, rule.IsActive)

	// the seeded daily wildcard takes over
	tx := f.earn(t, "ORD-2", pkg(voucherdomain.PackagePremium, 86400))
	require.NotNil(t, tx)
	assert.Equal(t, int64(2), tx.Points)
	assert.Equal(t, int64(302), f.balance(t))

	again, err := f.svc.DeactivateRule(context.Background(), premium.ID)
	require.NoError(t, err)
	assert.False(t, again.IsActive)

	_, err = f.svc.DeactivateRule(context.Background(), snowflake.ID(42))
	assert.ErrorIs(t, err, domain.ErrRuleNotFound)

	rules, err := f.svc.ListRules(context.Background())
	require.NoError(t, err)
	for _, r := range rules {
		if r.ID == premium.ID {
			assert.False(t, r.IsActive)
		}
	}
}

func TestRedemptionFulfilmentMovesForwardOnly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.rule(t, "PREMIUM", 300, 0)
	f.earn(t, "ORD-1", pkg(voucherdomain.PackagePremium, 86400))
	require.NoError(t, f.inventory.SetStock(ctx, f.db, "router", 1))

	redeemed, err := f.svc.OnRedeem(ctx, phone, "router", 120)
	require.NoError(t, err)
	assert.Equal(t, domain.RedemptionPending, redeemed.RedemptionStatus)
	id := *redeemed.RedemptionID

	pending, err := f.svc.PendingRedemptions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, redeemed.ID, pending[0].ID)

	_, err = f.svc.MarkRedemptionDelivered(ctx, id)
	require.ErrorIs(t, err, domain.ErrRedemptionTransition)

	f.clock.Advance(time.Hour)
	approved, err := f.svc.ApproveRedemption(ctx, id, " tech-1 ")
	require.NoError(t, err)
	assert.Equal(t, domain.RedemptionApproved, approved.RedemptionStatus)
	require.NotNil(t, approved.ApprovedAt)
	assert.True(t, approved.ApprovedAt.Equal(t0.Add(time.Hour)))
	require.NotNil(t, approved.AssignedTo)
	assert.Equal(t, "tech-1", *approved.AssignedTo)

	replay, err := f.svc.ApproveRedemption(ctx, id, "tech-2")
	require.NoError(t, err)
	assert.Equal(t, "tech-1", *replay.AssignedTo, "a repeated approval changes nothing")

	pending, err = f.svc.PendingRedemptions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	f.clock.Advance(24 * time.Hour)
	delivered, err := f.svc.MarkRedemptionDelivered(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RedemptionDelivered, delivered.RedemptionStatus)
	require.NotNil(t, delivered.DeliveredAt)
	assert.True(t, delivered.DeliveredAt.Equal(t0.Add(25*time.Hour)))

	_, err = f.svc.ApproveRedemption(ctx, id, "")
	require.ErrorIs(t, err, domain.ErrRedemptionTransition)
	_, err = f.svc.ApproveRedemption(ctx, ulid.Make().String(), "")
	require.ErrorIs(t, err, domain.ErrRedemptionNotFound)

	var stored domain.Transaction
	require.NoError(t, f.db.First(&stored, "redemption_id = ?", id).Error)
	assert.Equal(t, domain.RedemptionDelivered, stored.RedemptionStatus)
	assert.Equal(t, int64(-120), stored.Points, "fulfilment never touches points")
	assert.Equal(t, int64(180), f.balance(t))
}

func TestTierFollowsLiveBalance(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	st, err := f.svc.Tier(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, "BRONZE", st.Tier)
	assert.Equal(t, "SILVER", st.NextTier)
	assert.Equal(t, int64(51), st.PointsToNext)

	f.rule(t, "PREMIUM", 160, 0)
	f.earn(t, "ORD-1", pkg(voucherdomain.PackagePremium, 86400))
	st, err = f.svc.Tier(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, int64(160), st.Balance)
	assert.Equal(t, "GOLD", st.Tier)
	assert.False(t, st.PrioritySupport)
	assert.Equal(t, "PLATINUM", st.NextTier)
	assert.Equal(t, int64(240), st.PointsToNext)

	// lapsed points no longer count toward the tier
	f.clock.Set(t0.AddDate(0, 0, 91))
	st, err = f.svc.Tier(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, "BRONZE", st.Tier)

	_, err = f.svc.Tier(ctx, " ")
	assert.ErrorIs(t, err, domain.ErrInvalidPhoneNumber)
	assert.Len(t, f.svc.Tiers(ctx), 4)
}

func TestPlaceOnLadderTopTier(t *testing.T) {
	st := placeOnLadder(config.DefaultEngineConfig().Loyalty.Tiers, phone, 1000)
	assert.Equal(t, "PLATINUM", st.Tier)
	assert.True(t, st.PrioritySupport)
	assert.Empty(t, st.NextTier)
	assert.Zero(t, st.PointsToNext)
}
