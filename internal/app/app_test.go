package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capacity-engine/internal/config"
	"capacity-engine/pkg/audit"
	"capacity-engine/pkg/task"
)

func TestNewWiresDrivers(t *testing.T) {
	for _, driver := range []string{config.DriverMemory, config.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			t.Setenv("CAPENG_STORE_DRIVER", driver)
			t.Setenv("CAPENG_STORE_SQLITE_PATH", filepath.Join(t.TempDir(), "engine.db"))
			cfg, err := config.Load("")
			require.NoError(t, err)

			a, err := New(ctx, cfg, nil)
			require.NoError(t, err)
			defer a.Close()

			created, err := a.Lifecycle.Create(ctx, &task.Task{Capacity: task.Foresight, Title: "wired"})
			require.NoError(t, err)
			_, err = a.Lifecycle.Claim(ctx, created.ID, "alice")
			require.NoError(t, err)
			_, err = a.Assignments.Assign(ctx, created.ID, "bob", "reviewer")
			require.NoError(t, err)

			s, err := a.Summary.Summarize(ctx, task.Filter{}, "bob", created.CreatedAt)
			require.NoError(t, err)
			assert.Equal(t, []string{created.ID}, s.Mine)

			claims, err := a.Events.ByType(ctx, audit.TaskClaimed, 10)
			require.NoError(t, err)
			require.Len(t, claims, 1)
			assert.Equal(t, "alice", claims[0].Actor)
			require.NoError(t, a.Events.VerifyChain(ctx))

			n, err := a.Sweeper().Sweep(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}
