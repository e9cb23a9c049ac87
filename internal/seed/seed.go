// Package seed holds the bootstrap rows every deployment starts with.
package seed

import (
	"time"

	"github.com/bwmarrin/snowflake"
	loyaltydomain "github.com/smallbiznis/hotspotd/internal/loyalty/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var seededAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func days(n int) *int { return &n }

// DefaultPointRules mirrors migration/migrations/000002_seed_point_rules.up.sql.
func DefaultPointRules() []loyaltydomain.PointRule {
	rule := func(id int64, name, pkgType string, min int, max *int, points int64) loyaltydomain.PointRule {
		return loyaltydomain.PointRule{
			ID:                snowflake.ID(id),
			Name:              name,
			PackageType:       pkgType,
			MinDurationDays:   min,
			MaxDurationDays:   max,
			Points:            points,
			PointValidityDays: 90,
			IsActive:          true,
			CreatedAt:         seededAt,
		}
	}
	return []loyaltydomain.PointRule{
		rule(1, "Time based offer", "TIME_BASED_OFFER", 0, days(1), 1),
		rule(2, "Daily", "", 0, days(1), 2),
		rule(3, "Weekly", "", 2, days(7), 6),
		rule(4, "Monthly", "", 8, days(30), 10),
		rule(5, "Quarterly", "", 31, days(149), 20),
		rule(6, "Semester", "", 150, nil, 40),
	}
}

// EnsurePointRules inserts the default rules, leaving existing ids untouched.
func EnsurePointRules(conn *gorm.DB) error {
	rules := DefaultPointRules()
	return conn.Clauses(clause.OnConflict{DoNothing: true}).Create(&rules).Error
}
