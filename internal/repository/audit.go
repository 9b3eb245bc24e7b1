package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/iamdevdhanush/Green/internal/db"
)

// gormAuditRepository is the GORM implementation of AuditRepository.
type gormAuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository returns an AuditRepository backed by the provided *gorm.DB.
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &gormAuditRepository{db: db}
}

// Create appends an audit entry. The trail is append-only; there are no
// update or delete operations.
func (r *gormAuditRepository) Create(ctx context.Context, entry *db.AuditLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("audit_logs: create: %w", err)
	}
	return nil
}

// List returns filtered audit entries, newest first, with the total count.
func (r *gormAuditRepository) List(ctx context.Context, opts AuditListOptions) ([]db.AuditLog, int64, error) {
	var entries []db.AuditLog
	var total int64

	q := r.db.WithContext(ctx).Model(&db.AuditLog{})
	if opts.UserID != nil {
		q = q.Where("user_id = ?", *opts.UserID)
	}
	if opts.MachineID != nil {
		q = q.Where("machine_id = ?", *opts.MachineID)
	}
	if opts.Action != "" {
		q = q.Where("action = ?", opts.Action)
	}

	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit_logs: list count: %w", err)
	}

	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("audit_logs: list: %w", err)
	}

	return entries, total, nil
}
