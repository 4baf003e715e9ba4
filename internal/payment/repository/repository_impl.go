package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/sautistream/ledgercore/internal/payment/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// row is the gorm mapping for the payments table. It stays unexported so the
// guarded columns can only be written through the explicit transition methods
// below, each of which predicates on the current status.
type row struct {
	ID                    snowflake.ID              `gorm:"primaryKey"`
	UserID                snowflake.ID              `gorm:"not null;index"`
	PayableKind           paymentdomain.PayableKind `gorm:"type:text;not null"`
	PayableID             snowflake.ID              `gorm:"not null"`
	Status                paymentdomain.Status      `gorm:"type:text;not null;index"`
	Amount                decimal.Decimal           `gorm:"type:decimal(20,4);not null"`
	Currency              string                    `gorm:"type:text;not null"`
	Provider              string                    `gorm:"type:text;not null"`
	ProviderTransactionID string                    `gorm:"type:text;not null"`
	ProviderData          datatypes.JSONMap
	FailureReason         string `gorm:"type:text;not null"`
	Reference             string `gorm:"type:text;not null;uniqueIndex:ux_payments_reference"`
	InitiatedAt           *time.Time
	CompletedAt           *time.Time
	FailedAt              *time.Time
	RefundedAt            *time.Time
	CreatedAt             time.Time `gorm:"not null"`
	UpdatedAt             time.Time `gorm:"not null"`
}

func (row) TableName() string { return "payments" }

// Model exposes the table mapping for migrations and tests without exposing
// writable columns to callers.
func Model() any { return &row{} }

type Repository interface {
	Insert(ctx context.Context, rec paymentdomain.Record) error
	Find(ctx context.Context, id snowflake.ID) (*paymentdomain.Payment, error)
	FindByReference(ctx context.Context, reference string) (*paymentdomain.Payment, error)

	// Transition methods return false when the status predicate did not
	// match, meaning the payment was not in the required source state.
	SetProcessing(ctx context.Context, id snowflake.ID, at time.Time) (bool, error)
	SetCompleted(ctx context.Context, id snowflake.ID, providerRef string, providerData map[string]any, at time.Time) (bool, error)
	SetFailed(ctx context.Context, id snowflake.ID, reason string, at time.Time) (bool, error)
	SetCancelled(ctx context.Context, id snowflake.ID, at time.Time) (bool, error)
	SetRefunded(ctx context.Context, id snowflake.ID, at time.Time) (bool, error)
}

type Params struct {
	fx.In

	DB *gorm.DB
}

type repositoryImpl struct {
	db *gorm.DB
}

func New(p Params) Repository {
	return &repositoryImpl{db: p.DB}
}

func (r *repositoryImpl) Insert(ctx context.Context, rec paymentdomain.Record) error {
	err := r.db.WithContext(ctx).Create(&row{
		ID:          rec.ID,
		UserID:      rec.UserID,
		PayableKind: rec.PayableKind,
		PayableID:   rec.PayableID,
		Status:      rec.Status,
		Amount:      rec.Amount,
		Currency:    rec.Currency,
		Provider:    rec.Provider,
		Reference:   rec.Reference,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return paymentdomain.ErrDuplicateReference
	}
	return err
}

func (r *repositoryImpl) Find(ctx context.Context, id snowflake.ID) (*paymentdomain.Payment, error) {
	var stored row
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&stored).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paymentdomain.ErrPaymentNotFound
		}
		return nil, err
	}
	return stored.view(), nil
}

func (r *repositoryImpl) FindByReference(ctx context.Context, reference string) (*paymentdomain.Payment, error) {
	var stored row
	if err := r.db.WithContext(ctx).Where("reference = ?", reference).Take(&stored).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paymentdomain.ErrPaymentNotFound
		}
		return nil, err
	}
	return stored.view(), nil
}

func (r *repositoryImpl) SetProcessing(ctx context.Context, id snowflake.ID, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&row{}).
		Where("id = ? AND status = ?", id, paymentdomain.StatusPending).
		Updates(map[string]any{
			"status":       paymentdomain.StatusProcessing,
			"initiated_at": at,
			"updated_at":   at,
		})
	return result.RowsAffected > 0, result.Error
}

func (r *repositoryImpl) SetCompleted(ctx context.Context, id snowflake.ID, providerRef string, providerData map[string]any, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&row{}).
		Where("id = ? AND status = ?", id, paymentdomain.StatusProcessing).
		Updates(map[string]any{
			"status":                  paymentdomain.StatusCompleted,
			"provider_transaction_id": providerRef,
			"provider_data":           datatypes.JSONMap(providerData),
			"completed_at":            at,
			"updated_at":              at,
		})
	return result.RowsAffected > 0, result.Error
}

func (r *repositoryImpl) SetFailed(ctx context.Context, id snowflake.ID, reason string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&row{}).
		Where("id = ? AND status IN ?", id, []paymentdomain.Status{
			paymentdomain.StatusPending,
			paymentdomain.StatusProcessing,
		}).
		Updates(map[string]any{
			"status":         paymentdomain.StatusFailed,
			"failure_reason": reason,
			"failed_at":      at,
			"updated_at":     at,
		})
	return result.RowsAffected > 0, result.Error
}

func (r *repositoryImpl) SetCancelled(ctx context.Context, id snowflake.ID, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&row{}).
		Where("id = ? AND status IN ?", id, []paymentdomain.Status{
			paymentdomain.StatusPending,
			paymentdomain.StatusProcessing,
		}).
		Updates(map[string]any{
			"status":     paymentdomain.StatusCancelled,
			"updated_at": at,
		})
	return result.RowsAffected > 0, result.Error
}

func (r *repositoryImpl) SetRefunded(ctx context.Context, id snowflake.ID, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&row{}).
		Where("id = ? AND status = ?", id, paymentdomain.StatusCompleted).
		Updates(map[string]any{
			"status":      paymentdomain.StatusRefunded,
			"refunded_at": at,
			"updated_at":  at,
		})
	return result.RowsAffected > 0, result.Error
}

func (stored row) view() *paymentdomain.Payment {
	return paymentdomain.NewPaymentView(paymentdomain.Record{
		ID:                    stored.ID,
		UserID:                stored.UserID,
		PayableKind:           stored.PayableKind,
		PayableID:             stored.PayableID,
		Status:                stored.Status,
		Amount:                stored.Amount,
		Currency:              stored.Currency,
		Provider:              stored.Provider,
		ProviderTransactionID: stored.ProviderTransactionID,
		FailureReason:         stored.FailureReason,
		Reference:             stored.Reference,
		InitiatedAt:           stored.InitiatedAt,
		CompletedAt:           stored.CompletedAt,
		FailedAt:              stored.FailedAt,
		RefundedAt:            stored.RefundedAt,
		CreatedAt:             stored.CreatedAt,
		UpdatedAt:             stored.UpdatedAt,
	})
}
