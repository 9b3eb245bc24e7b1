package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/iamdevdhanush/Green/internal/db"
	"github.com/iamdevdhanush/Green/internal/repository"
)

// EnsureAdmin idempotently seeds the initial admin account. Safe to call
// from any number of concurrently starting workers: the advisory lock
// serializes them on postgres, SQLite's single writer serializes there, and
// a duplicate-key surfacing anyway is treated as "someone else won".
//
// An existing account's password is always preserved, regardless of the
// configured value; the configured password only ever applies on first
// creation.
func EnsureAdmin(ctx context.Context, store *repository.Store, logger *zap.Logger, username, password string) error {
	normalized := NormalizeUsername(username)

	err := store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.LockBootstrap(ctx); err != nil {
			return fmt.Errorf("auth: acquiring bootstrap lock: %w", err)
		}

		// Re-read under the lock; a worker that lost the race sees the row.
		_, err := tx.Users.GetByUsername(ctx, normalized)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("auth: checking for admin: %w", err)
		}

		hash, err := HashPassword(password)
		if err != nil {
			return err
		}

		admin := &db.User{
			Username:     normalized,
			PasswordHash: hash,
			Role:         db.RoleAdmin,
			IsActive:     true,
		}
		if err := tx.Users.Create(ctx, admin); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				// Raced despite the lock (external intervention); the admin
				// exists, which is all this function promises.
				return nil
			}
			return fmt.Errorf("auth: creating admin: %w", err)
		}

		if err := tx.Audit.Create(ctx, &db.AuditLog{
			UserID:  &admin.ID,
			Action:  db.AuditAdminBootstrapped,
			Details: fmt.Sprintf(`{"username":%q}`, normalized),
		}); err != nil {
			return fmt.Errorf("auth: auditing bootstrap: %w", err)
		}

		logger.Info("admin account created", zap.String("username", normalized))
		return nil
	})
	if err != nil {
		return err
	}
	return nil
}
