package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	auditdomain "github.com/sautistream/ledgercore/internal/audit/domain"
	"github.com/sautistream/ledgercore/internal/clock"
	"github.com/sautistream/ledgercore/internal/config"
	ledgerdomain "github.com/sautistream/ledgercore/internal/ledger/domain"
	obsmetrics "github.com/sautistream/ledgercore/internal/observability/metrics"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	AuditSvc   auditdomain.Service `optional:"true"`
	Redis      *redis.Client       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.LedgerConfig
	auditSvc   auditdomain.Service
	redis      *redis.Client
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Cfg.Ledger,
		auditSvc:   p.AuditSvc,
		redis:      p.Redis,
		obsMetrics: p.ObsMetrics,
	}
}

// WithTx rebinds the service to an open transaction. Nested Transaction calls
// become savepoints, so callers can commit their own rows and the ledger
// movement as one unit.
func (s *Service) WithTx(tx *gorm.DB) ledgerdomain.Service {
	bound := *s
	bound.db = tx
	return &bound
}

func (s *Service) Record(ctx context.Context, in ledgerdomain.RecordInput) (*ledgerdomain.LedgerEntry, error) {
	if err := validateRecordInput(&in); err != nil {
		return nil, err
	}

	var entry *ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		recorded, err := s.recordTx(ctx, tx, in)
		if err != nil {
			return err
		}
		entry = recorded
		return nil
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrDuplicateReference) {
			existing, lookupErr := s.findEntry(ctx, in.OwnerID, in.Reference)
			if lookupErr == nil && existing != nil {
				return existing, ledgerdomain.ErrDuplicateReference
			}
		}
		return nil, err
	}

	s.invalidateBalance(ctx, in.OwnerID)
	s.auditEntry(ctx, "ledger.entry_recorded", entry)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(entry.Kind))
	}
	return entry, nil
}

func (s *Service) Reverse(ctx context.Context, ownerID snowflake.ID, originalReference string, source string) (*ledgerdomain.LedgerEntry, error) {
	originalReference = strings.TrimSpace(originalReference)
	if originalReference == "" {
		return nil, ledgerdomain.ErrInvalidReference
	}

	original, err := s.findEntry(ctx, ownerID, originalReference)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, ledgerdomain.ErrEntryNotFound
	}

	return s.Record(ctx, ledgerdomain.RecordInput{
		OwnerID:   ownerID,
		Kind:      ledgerdomain.KindRefund,
		Amount:    original.Amount.Neg(),
		Source:    source,
		Reference: original.Reference + ":reversal",
		Metadata: map[string]any{
			"reversed_entry_id": original.ID.String(),
		},
	})
}

func (s *Service) Transfer(ctx context.Context, in ledgerdomain.TransferInput) (*ledgerdomain.LedgerEntry, *ledgerdomain.LedgerEntry, error) {
	if in.FromOwnerID == 0 || in.ToOwnerID == 0 || in.FromOwnerID == in.ToOwnerID {
		return nil, nil, ledgerdomain.ErrInvalidOwner
	}
	if !in.Amount.IsPositive() {
		return nil, nil, ledgerdomain.ErrInvalidAmount
	}
	reference := strings.TrimSpace(in.Reference)
	if reference == "" {
		return nil, nil, ledgerdomain.ErrInvalidReference
	}

	var outEntry, inEntry *ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		debit, err := s.recordTx(ctx, tx, ledgerdomain.RecordInput{
			OwnerID:        in.FromOwnerID,
			Kind:           ledgerdomain.KindTransferOut,
			Amount:         in.Amount.Neg(),
			Source:         in.Source,
			Reference:      reference + ":out",
			RelatedOwnerID: &in.ToOwnerID,
		})
		if err != nil {
			return err
		}
		credit, err := s.recordTx(ctx, tx, ledgerdomain.RecordInput{
			OwnerID:        in.ToOwnerID,
			Kind:           ledgerdomain.KindTransferIn,
			Amount:         in.Amount,
			Source:         in.Source,
			Reference:      reference + ":in",
			RelatedOwnerID: &in.FromOwnerID,
		})
		if err != nil {
			return err
		}
		outEntry, inEntry = debit, credit
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.invalidateBalance(ctx, in.FromOwnerID)
	s.invalidateBalance(ctx, in.ToOwnerID)
	s.auditEntry(ctx, "ledger.transfer_recorded", outEntry)
	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(ledgerdomain.KindTransferOut))
		s.obsMetrics.RecordLedgerEntry(ctx, string(ledgerdomain.KindTransferIn))
	}
	return outEntry, inEntry, nil
}

// recordTx applies one movement inside the caller's transaction: it serializes
// on the wallet row, rejects duplicates and overdrafts, then writes the entry
// and the balance update together.
func (s *Service) recordTx(ctx context.Context, tx *gorm.DB, in ledgerdomain.RecordInput) (*ledgerdomain.LedgerEntry, error) {
	now := s.clock.Now()

	wallet := ledgerdomain.WalletBalance{
		OwnerID:   in.OwnerID,
		Balance:   decimal.Zero,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&wallet).Error; err != nil {
		return nil, err
	}

	var locked ledgerdomain.WalletBalance
	if err := lockForUpdate(tx).WithContext(ctx).
		Where("owner_id = ?", in.OwnerID).
		Take(&locked).Error; err != nil {
		return nil, err
	}

	var count int64
	if err := tx.WithContext(ctx).Model(&ledgerdomain.LedgerEntry{}).
		Where("owner_id = ? AND reference = ?", in.OwnerID, in.Reference).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ledgerdomain.ErrDuplicateReference
	}

	if in.Amount.IsNegative() && locked.Balance.Add(in.Amount).IsNegative() {
		return nil, ledgerdomain.ErrInsufficientFunds
	}

	balanceAfter := locked.Balance.Add(in.Amount)
	entry := ledgerdomain.LedgerEntry{
		ID:             s.genID.Generate(),
		OwnerID:        in.OwnerID,
		Kind:           in.Kind,
		Amount:         in.Amount,
		BalanceAfter:   balanceAfter,
		Currency:       s.cfg.Currency,
		Source:         in.Source,
		Reference:      in.Reference,
		RelatedOwnerID: in.RelatedOwnerID,
		Metadata:       datatypes.JSONMap(in.Metadata),
		CreatedAt:      now,
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ledgerdomain.ErrDuplicateReference
		}
		return nil, err
	}

	if err := tx.WithContext(ctx).Model(&ledgerdomain.WalletBalance{}).
		Where("owner_id = ?", in.OwnerID).
		Updates(map[string]any{
			"balance":    balanceAfter,
			"updated_at": now,
		}).Error; err != nil {
		return nil, err
	}

	return &entry, nil
}

func (s *Service) Balance(ctx context.Context, ownerID snowflake.ID) (decimal.Decimal, error) {
	if ownerID == 0 {
		return decimal.Zero, ledgerdomain.ErrInvalidOwner
	}

	if cached, ok := s.cachedBalance(ctx, ownerID); ok {
		return cached, nil
	}

	var wallet ledgerdomain.WalletBalance
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Take(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}

	s.cacheBalance(ctx, ownerID, wallet.Balance)
	return wallet.Balance, nil
}

func (s *Service) Reconcile(ctx context.Context, ownerID snowflake.ID) (decimal.Decimal, error) {
	if ownerID == 0 {
		return decimal.Zero, ledgerdomain.ErrInvalidOwner
	}

	var replayed decimal.Decimal
	var drifted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var wallet ledgerdomain.WalletBalance
		err := lockForUpdate(tx).WithContext(ctx).
			Where("owner_id = ?", ownerID).
			Take(&wallet).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			replayed = decimal.Zero
			return nil
		}
		if err != nil {
			return err
		}

		var entries []ledgerdomain.LedgerEntry
		if err := tx.WithContext(ctx).
			Select("amount").
			Where("owner_id = ?", ownerID).
			Find(&entries).Error; err != nil {
			return err
		}

		sum := decimal.Zero
		for _, e := range entries {
			sum = sum.Add(e.Amount)
		}
		replayed = sum

		if wallet.Balance.Equal(sum) {
			return nil
		}

		drifted = true
		s.log.Warn("wallet balance drift repaired",
			zap.String("owner_id", ownerID.String()),
			zap.String("cached", wallet.Balance.String()),
			zap.String("replayed", sum.String()),
		)
		return tx.WithContext(ctx).Model(&ledgerdomain.WalletBalance{}).
			Where("owner_id = ?", ownerID).
			Updates(map[string]any{
				"balance":    sum,
				"updated_at": s.clock.Now(),
			}).Error
	})
	if err != nil {
		return decimal.Zero, err
	}

	if drifted {
		s.invalidateBalance(ctx, ownerID)
		if s.obsMetrics != nil {
			s.obsMetrics.RecordReconcileDrift(ctx)
		}
	}
	return replayed, nil
}

func (s *Service) Entries(ctx context.Context, ownerID snowflake.ID, limit, offset int) ([]ledgerdomain.LedgerEntry, error) {
	if ownerID == 0 {
		return nil, ledgerdomain.ErrInvalidOwner
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 250 {
		limit = 250
	}
	if offset < 0 {
		offset = 0
	}

	var entries []ledgerdomain.LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) findEntry(ctx context.Context, ownerID snowflake.ID, reference string) (*ledgerdomain.LedgerEntry, error) {
	var entry ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND reference = ?", ownerID, reference).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Service) cachedBalance(ctx context.Context, ownerID snowflake.ID) (decimal.Decimal, bool) {
	if s.redis == nil || s.cfg.BalanceCacheTTL <= 0 {
		return decimal.Zero, false
	}
	raw, err := s.redis.Get(ctx, balanceKey(ownerID)).Result()
	if err != nil {
		return decimal.Zero, false
	}
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return parsed, true
}

func (s *Service) cacheBalance(ctx context.Context, ownerID snowflake.ID, balance decimal.Decimal) {
	if s.redis == nil || s.cfg.BalanceCacheTTL <= 0 {
		return
	}
	ttl := time.Duration(s.cfg.BalanceCacheTTL) * time.Second
	if err := s.redis.Set(ctx, balanceKey(ownerID), balance.String(), ttl).Err(); err != nil {
		s.log.Warn("failed to cache wallet balance", zap.Error(err))
	}
}

func (s *Service) invalidateBalance(ctx context.Context, ownerID snowflake.ID) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, balanceKey(ownerID)).Err(); err != nil {
		s.log.Warn("failed to invalidate wallet balance cache", zap.Error(err))
	}
}

func (s *Service) auditEntry(ctx context.Context, action string, entry *ledgerdomain.LedgerEntry) {
	if s.auditSvc == nil || entry == nil {
		return
	}
	entryID := entry.ID.String()
	if err := s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeSystem), nil, action, "ledger_entry", &entryID, map[string]any{
		"owner_id":  entry.OwnerID.String(),
		"kind":      string(entry.Kind),
		"amount":    entry.Amount.String(),
		"reference": entry.Reference,
	}); err != nil {
		s.log.Warn("failed to write ledger audit log", zap.Error(err))
	}
}

func validateRecordInput(in *ledgerdomain.RecordInput) error {
	if in.OwnerID == 0 {
		return ledgerdomain.ErrInvalidOwner
	}
	if !in.Kind.Valid() {
		return ledgerdomain.ErrInvalidKind
	}
	if in.Amount.IsZero() {
		return ledgerdomain.ErrInvalidAmount
	}
	in.Reference = strings.TrimSpace(in.Reference)
	if in.Reference == "" {
		return ledgerdomain.ErrInvalidReference
	}
	in.Source = strings.TrimSpace(in.Source)
	return nil
}

// lockForUpdate takes a row lock on dialects that support it. sqlite serializes
// writers on its own.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	switch tx.Dialector.Name() {
	case "postgres", "mysql":
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	default:
		return tx
	}
}

func balanceKey(ownerID snowflake.ID) string {
	return fmt.Sprintf("ledger:balance:%s", ownerID.String())
}
