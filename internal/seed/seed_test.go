package seed_test

import (
	"testing"

	loyaltydomain "github.com/smallbiznis/hotspotd/internal/loyalty/domain"
	"github.com/smallbiznis/hotspotd/internal/seed"
	"github.com/smallbiznis/hotspotd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsurePointRulesIsIdempotent(t *testing.T) {
	db := testutil.OpenDB(t)

	require.NoError(t, seed.EnsurePointRules(db))
	require.NoError(t, seed.EnsurePointRules(db))

	var n int64
	require.NoError(t, db.Model(&loyaltydomain.PointRule{}).Count(&n).Error)
	assert.Equal(t, int64(len(seed.DefaultPointRules())), n)
}

func TestDefaultPointRulesAreActive(t *testing.T) {
	for _, r := range seed.DefaultPointRules() {
		assert.True(t, r.IsActive, r.Name)
		assert.Positive(t, r.Points, r.Name)
		assert.Equal(t, 90, r.PointValidityDays, r.Name)
	}
}
