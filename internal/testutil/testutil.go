// Package testutil wires in-memory engine dependencies for package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/hotspotd/internal/config"
	"github.com/smallbiznis/hotspotd/internal/migration"
	"github.com/smallbiznis/hotspotd/internal/nas"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// OpenDB returns a migrated in-memory sqlite database private to t.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, migration.AutoMigrate(db))
	return db
}

// EngineConfig returns a static holder with defaults adjusted by mutate.
func EngineConfig(t *testing.T, mutate func(*config.EngineConfig)) *config.EngineConfigHolder {
	t.Helper()
	cfg := config.DefaultEngineConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	holder, err := config.NewStaticEngineConfigHolder(cfg)
	require.NoError(t, err)
	return holder
}

// Sink records enqueued NAS commands.
type Sink struct {
	mu   sync.Mutex
	cmds []nas.Command
}

func (s *Sink) Enqueue(cmd nas.Command) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	return true
}

func (s *Sink) Commands() []nas.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]nas.Command(nil), s.cmds...)
}

func (s *Sink) OfType(t nas.CommandType) []nas.Command {
	var out []nas.Command
	for _, cmd := range s.Commands() {
		if cmd.Type == t {
			out = append(out, cmd)
		}
	}
	return out
}

func (s *Sink) Reset() {
	s.mu.Lock()
	s.cmds = nil
	s.mu.Unlock()
}
