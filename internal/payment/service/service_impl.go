package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/sautistream/ledgercore/internal/clock"
	"github.com/sautistream/ledgercore/internal/config"
	obsmetrics "github.com/sautistream/ledgercore/internal/observability/metrics"
	paymentdomain "github.com/sautistream/ledgercore/internal/payment/domain"
	"github.com/sautistream/ledgercore/internal/payment/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Repo       repository.Repository
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Confirmers map[paymentdomain.PayableKind]paymentdomain.Confirmer `optional:"true"`
	ObsMetrics *obsmetrics.Metrics                                   `optional:"true"`
}

type Service struct {
	repo       repository.Repository
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	currency   string
	confirmers map[paymentdomain.PayableKind]paymentdomain.Confirmer
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		repo:       p.Repo,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		currency:   p.Cfg.Ledger.Currency,
		confirmers: p.Confirmers,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Create(ctx context.Context, in paymentdomain.CreateInput) (*paymentdomain.Payment, error) {
	if in.UserID == 0 || in.Payable == nil || !in.Payable.Kind().Valid() {
		return nil, paymentdomain.ErrInvalidPayment
	}
	if !in.Amount.IsPositive() {
		return nil, paymentdomain.ErrInvalidPayment
	}
	in.Reference = strings.TrimSpace(in.Reference)
	if in.Reference == "" {
		return nil, paymentdomain.ErrInvalidPayment
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.currency
	}

	now := s.clock.Now()
	rec := paymentdomain.Record{
		ID:          s.genID.Generate(),
		UserID:      in.UserID,
		PayableKind: in.Payable.Kind(),
		PayableID:   in.Payable.TargetID(),
		Status:      paymentdomain.StatusPending,
		Amount:      in.Amount,
		Currency:    currency,
		Provider:    strings.TrimSpace(in.Provider),
		Reference:   in.Reference,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.repo.Insert(ctx, rec)
	if errors.Is(err, paymentdomain.ErrDuplicateReference) {
		// Retried creation: the stored payment is authoritative.
		existing, findErr := s.repo.FindByReference(ctx, in.Reference)
		if findErr != nil {
			return nil, findErr
		}
		return existing, paymentdomain.ErrDuplicateReference
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("payment created",
		zap.Int64("payment_id", rec.ID.Int64()),
		zap.Int64("user_id", rec.UserID.Int64()),
		zap.String("payable_kind", string(rec.PayableKind)),
		zap.String("amount", rec.Amount.String()),
	)
	return s.repo.Find(ctx, rec.ID)
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*paymentdomain.Payment, error) {
	return s.repo.Find(ctx, id)
}

func (s *Service) MarkProcessing(ctx context.Context, id snowflake.ID) (*paymentdomain.Payment, error) {
	payment, _, err := s.transition(ctx, id, paymentdomain.StatusPending, paymentdomain.StatusProcessing, func() (bool, error) {
		return s.repo.SetProcessing(ctx, id, s.clock.Now())
	})
	return payment, err
}

func (s *Service) MarkCompleted(ctx context.Context, id snowflake.ID, providerRef string, providerData map[string]any) (*paymentdomain.Payment, error) {
	payment, moved, err := s.transition(ctx, id, paymentdomain.StatusProcessing, paymentdomain.StatusCompleted, func() (bool, error) {
		return s.repo.SetCompleted(ctx, id, strings.TrimSpace(providerRef), providerData, s.clock.Now())
	})
	if err != nil {
		return payment, err
	}

	// Confirm only on the transition itself so a replayed completion does not
	// re-confirm the target.
	if moved {
		if err := s.confirmPayable(ctx, payment); err != nil {
			return payment, err
		}
	}
	return payment, nil
}

func (s *Service) MarkFailed(ctx context.Context, id snowflake.ID, reason string) (*paymentdomain.Payment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, paymentdomain.ErrInvalidPayment
	}
	payment, _, err := s.transition(ctx, id, paymentdomain.StatusProcessing, paymentdomain.StatusFailed, func() (bool, error) {
		return s.repo.SetFailed(ctx, id, reason, s.clock.Now())
	})
	return payment, err
}

func (s *Service) MarkCancelled(ctx context.Context, id snowflake.ID) (*paymentdomain.Payment, error) {
	payment, _, err := s.transition(ctx, id, paymentdomain.StatusProcessing, paymentdomain.StatusCancelled, func() (bool, error) {
		return s.repo.SetCancelled(ctx, id, s.clock.Now())
	})
	return payment, err
}

func (s *Service) MarkRefunded(ctx context.Context, id snowflake.ID) (*paymentdomain.Payment, error) {
	payment, _, err := s.transition(ctx, id, paymentdomain.StatusCompleted, paymentdomain.StatusRefunded, func() (bool, error) {
		return s.repo.SetRefunded(ctx, id, s.clock.Now())
	})
	return payment, err
}

// transition applies one guarded update and reloads the payment. A predicate
// miss on a payment already in the target state is an idempotent no-op; any
// other miss is an illegal transition.
func (s *Service) transition(
	ctx context.Context,
	id snowflake.ID,
	from, target paymentdomain.Status,
	apply func() (bool, error),
) (*paymentdomain.Payment, bool, error) {
	moved, err := apply()
	if err != nil {
		return nil, false, err
	}

	payment, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, false, err
	}

	if !moved {
		if payment.Status() == target {
			return payment, false, nil
		}
		return payment, false, paymentdomain.ErrInvalidStateTransition
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordPaymentTransition(ctx, string(from), string(target))
	}
	s.log.Info("payment transitioned",
		zap.Int64("payment_id", id.Int64()),
		zap.String("status", string(target)),
	)
	return payment, true, nil
}

func (s *Service) confirmPayable(ctx context.Context, payment *paymentdomain.Payment) error {
	confirmer, ok := s.confirmers[payment.PayableKind()]
	if !ok {
		return nil
	}
	payable, err := payment.Payable()
	if err != nil {
		return err
	}
	if err := confirmer.Confirm(ctx, payable); err != nil {
		s.log.Error("payable confirmation failed",
			zap.Int64("payment_id", payment.ID().Int64()),
			zap.String("payable_kind", string(payment.PayableKind())),
			zap.Error(err),
		)
		return err
	}
	return nil
}
