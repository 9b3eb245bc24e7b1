package auth

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iamdevdhanush/Green/internal/db"
	"github.com/iamdevdhanush/Green/internal/repository"
)

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	gdb, err := db.New(db.Config{
		DSN:    filepath.Join(t.TempDir(), "greenops.db"),
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return repository.NewStore(gdb)
}

func TestEnsureAdminCreatesAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, EnsureAdmin(ctx, store, zaptest.NewLogger(t), " Admin ", "bootstrap-pass"))

	user, err := store.Users.GetByUsername(ctx, "admin")
	require.NoError(t, err)
	require.Equal(t, db.RoleAdmin, user.Role)
	require.True(t, user.IsActive)
	require.True(t, VerifyPassword("bootstrap-pass", user.PasswordHash))

	rows, _, err := store.Audit.List(ctx, repository.AuditListOptions{Action: db.AuditAdminBootstrapped})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestEnsureAdminIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	require.NoError(t, EnsureAdmin(ctx, store, logger, "admin", "first-pass"))
	require.NoError(t, EnsureAdmin(ctx, store, logger, "admin", "second-pass"))

	// The configured password only applies on first creation.
	user, err := store.Users.GetByUsername(ctx, "admin")
	require.NoError(t, err)
	require.True(t, VerifyPassword("first-pass", user.PasswordHash))
	require.False(t, VerifyPassword("second-pass", user.PasswordHash))

	_, total, err := store.Users.List(ctx, repository.ListOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
}

func TestEnsureAdminConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = EnsureAdmin(ctx, store, logger, "admin", "bootstrap-pass")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "worker %d", i)
	}

	_, total, err := store.Users.List(ctx, repository.ListOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)

	rows, _, err := store.Audit.List(ctx, repository.AuditListOptions{Action: db.AuditAdminBootstrapped})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
