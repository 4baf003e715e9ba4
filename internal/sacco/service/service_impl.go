package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sautistream/ledgercore/internal/authorization"
	"github.com/sautistream/ledgercore/internal/clock"
	"github.com/sautistream/ledgercore/internal/config"
	ledgerdomain "github.com/sautistream/ledgercore/internal/ledger/domain"
	saccodomain "github.com/sautistream/ledgercore/internal/sacco/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Cfg    config.Config
	Ledger ledgerdomain.Service
	Authz  authorization.Service
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	dailyLateFee decimal.Decimal
	ledger       ledgerdomain.Service
	authz        authorization.Service
}

func NewService(p Params) saccodomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("sacco.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		dailyLateFee: p.Cfg.Sacco.DailyLateFeeRate,
		ledger:       p.Ledger,
		authz:        p.Authz,
	}
}

func (s *Service) OpenAccount(ctx context.Context, actor string, memberID snowflake.ID, accountType saccodomain.AccountType) (*saccodomain.Account, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectSaccoAccount, authorization.ActionSaccoAccountOpen); err != nil {
		return nil, err
	}
	if err := requireMember(actor, memberID); err != nil {
		return nil, err
	}
	if memberID == 0 || !accountType.Valid() {
		return nil, saccodomain.ErrInvalidAccount
	}

	now := s.clock.Now()
	account := saccodomain.Account{
		ID:        s.genID.Generate(),
		MemberID:  memberID,
		Type:      accountType,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).Create(&account).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		var existing saccodomain.Account
		if lookupErr := s.db.WithContext(ctx).
			Where("member_id = ? AND type = ?", memberID, accountType).
			Take(&existing).Error; lookupErr == nil {
			return &existing, saccodomain.ErrAccountExists
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("sacco account opened",
		zap.Int64("account_id", account.ID.Int64()),
		zap.Int64("member_id", memberID.Int64()),
		zap.String("type", string(accountType)),
	)
	return &account, nil
}

func (s *Service) Deposit(ctx context.Context, actor string, accountID snowflake.ID, amount decimal.Decimal, reference string) (*ledgerdomain.LedgerEntry, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectSaccoAccount, authorization.ActionSaccoAccountDeposit); err != nil {
		return nil, err
	}
	account, err := s.ownedAccount(ctx, actor, accountID)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	kind := ledgerdomain.KindSaccoDeposit
	if account.Type == saccodomain.AccountTypeShares {
		kind = ledgerdomain.KindSharePurchase
	}
	entry, err := s.ledger.Record(ctx, ledgerdomain.RecordInput{
		OwnerID:   account.ID,
		Kind:      kind,
		Amount:    amount,
		Source:    "sacco",
		Reference: reference,
		Metadata: map[string]any{
			"member_id":    account.MemberID.String(),
			"account_type": string(account.Type),
		},
	})
	if errors.Is(err, ledgerdomain.ErrDuplicateReference) {
		return entry, nil
	}
	return entry, err
}

func (s *Service) Withdraw(ctx context.Context, actor string, accountID snowflake.ID, amount decimal.Decimal, reference string) (*ledgerdomain.LedgerEntry, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectSaccoAccount, authorization.ActionSaccoAccountWithdraw); err != nil {
		return nil, err
	}
	account, err := s.ownedAccount(ctx, actor, accountID)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	// Share capital is locked in; only savings can be withdrawn.
	if account.Type != saccodomain.AccountTypeSavings {
		return nil, saccodomain.ErrInvalidAccount
	}

	entry, err := s.ledger.Record(ctx, ledgerdomain.RecordInput{
		OwnerID:   account.ID,
		Kind:      ledgerdomain.KindSaccoWithdrawal,
		Amount:    amount.Neg(),
		Source:    "sacco",
		Reference: reference,
		Metadata: map[string]any{
			"member_id":    account.MemberID.String(),
			"account_type": string(account.Type),
		},
	})
	if errors.Is(err, ledgerdomain.ErrDuplicateReference) {
		return entry, nil
	}
	return entry, err
}

func (s *Service) AccountBalance(ctx context.Context, actor string, accountID snowflake.ID) (decimal.Decimal, error) {
	account, err := s.ownedAccount(ctx, actor, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return s.ledger.Balance(ctx, account.ID)
}

func (s *Service) ApplyForLoan(ctx context.Context, actor string, in saccodomain.LoanApplication) (*saccodomain.Loan, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectSaccoLoan, authorization.ActionSaccoLoanApply); err != nil {
		return nil, err
	}
	if err := requireMember(actor, in.MemberID); err != nil {
		return nil, err
	}
	if in.MemberID == 0 || !in.PrincipalAmount.IsPositive() || in.InstallmentsTotal <= 0 {
		return nil, saccodomain.ErrInvalidLoan
	}
	if in.InterestRate.IsNegative() || in.DueDate.IsZero() {
		return nil, saccodomain.ErrInvalidLoan
	}

	now := s.clock.Now()
	due := in.DueDate
	loan := saccodomain.Loan{
		ID:                s.genID.Generate(),
		MemberID:          in.MemberID,
		PrincipalAmount:   in.PrincipalAmount,
		Balance:           decimal.Zero,
		InterestRate:      in.InterestRate,
		InstallmentsTotal: in.InstallmentsTotal,
		DueDate:           &due,
		Status:            saccodomain.LoanStatusPendingApproval,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.db.WithContext(ctx).Create(&loan).Error; err != nil {
		return nil, err
	}

	s.log.Info("loan application filed",
		zap.Int64("loan_id", loan.ID.Int64()),
		zap.Int64("member_id", in.MemberID.Int64()),
		zap.String("principal", in.PrincipalAmount.String()),
	)
	return &loan, nil
}

func (s *Service) ApproveLoan(ctx context.Context, actor string, loanID snowflake.ID) (*saccodomain.Loan, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectSaccoLoan, authorization.ActionSaccoLoanApprove); err != nil {
		return nil, err
	}

	var loan saccodomain.Loan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockLoan(tx, loanID, &loan); err != nil {
			return err
		}
		switch loan.Status {
		case saccodomain.LoanStatusApproved:
			return nil
		case saccodomain.LoanStatusPendingApproval:
		default:
			return saccodomain.ErrInvalidLoanState
		}

		now := s.clock.Now()
		loan.Status = saccodomain.LoanStatusApproved
		loan.ApprovedAt = &now
		loan.UpdatedAt = now
		return tx.Model(&saccodomain.Loan{}).
			Where("id = ? AND status = ?", loan.ID, saccodomain.LoanStatusPendingApproval).
			Updates(map[string]any{
				"status":      loan.Status,
				"approved_at": now,
				"updated_at":  now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

// DisburseLoan opens the loan's ledger stream with a loan_disbursement entry.
// The money is a new obligation, so nothing moves on the member's savings
// account here.
func (s *Service) DisburseLoan(ctx context.Context, actor string, loanID snowflake.ID, reference string) (*saccodomain.Loan, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectSaccoLoan, authorization.ActionSaccoLoanDisburse); err != nil {
		return nil, err
	}

	var loan saccodomain.Loan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockLoan(tx, loanID, &loan); err != nil {
			return err
		}
		switch loan.Status {
		case saccodomain.LoanStatusDisbursed, saccodomain.LoanStatusActive:
			return nil
		case saccodomain.LoanStatusApproved:
		default:
			return saccodomain.ErrInvalidLoanState
		}

		if _, err := s.ledger.WithTx(tx).Record(ctx, ledgerdomain.RecordInput{
			OwnerID:   loan.ID,
			Kind:      ledgerdomain.KindLoanDisbursed,
			Amount:    loan.PrincipalAmount,
			Source:    "sacco",
			Reference: reference,
			Metadata: map[string]any{
				"member_id": loan.MemberID.String(),
			},
		}); err != nil && !errors.Is(err, ledgerdomain.ErrDuplicateReference) {
			return err
		}

		now := s.clock.Now()
		loan.Status = saccodomain.LoanStatusDisbursed
		loan.Balance = loan.PrincipalAmount
		loan.DisbursedAt = &now
		loan.UpdatedAt = now
		return tx.Model(&saccodomain.Loan{}).
			Where("id = ? AND status = ?", loan.ID, saccodomain.LoanStatusApproved).
			Updates(map[string]any{
				"status":       loan.Status,
				"balance":      loan.Balance,
				"disbursed_at": now,
				"updated_at":   now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

func (s *Service) RepayLoan(ctx context.Context, actor string, loanID snowflake.ID, amount decimal.Decimal, reference string) (*saccodomain.Loan, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectSaccoLoan, authorization.ActionSaccoLoanRepay); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	var loan saccodomain.Loan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockLoan(tx, loanID, &loan); err != nil {
			return err
		}
		if err := requireMember(actor, loan.MemberID); err != nil {
			return err
		}
		switch loan.Status {
		case saccodomain.LoanStatusDisbursed, saccodomain.LoanStatusActive:
		default:
			return saccodomain.ErrInvalidLoanState
		}

		_, err := s.ledger.WithTx(tx).Record(ctx, ledgerdomain.RecordInput{
			OwnerID:   loan.ID,
			Kind:      ledgerdomain.KindLoanRepayment,
			Amount:    amount.Neg(),
			Source:    "sacco",
			Reference: reference,
			Metadata: map[string]any{
				"member_id": loan.MemberID.String(),
			},
		})
		if errors.Is(err, ledgerdomain.ErrDuplicateReference) {
			// Already applied; keep the stored loan untouched.
			return nil
		}
		if err != nil {
			return err
		}

		now := s.clock.Now()
		loan.Balance = loan.Balance.Sub(amount)
		if loan.Balance.IsNegative() {
			loan.Balance = decimal.Zero
		}
		loan.InstallmentsPaid++
		loan.Status = saccodomain.LoanStatusActive
		if loan.Balance.IsZero() {
			loan.Status = saccodomain.LoanStatusCompleted
		}
		loan.UpdatedAt = now
		return tx.Model(&saccodomain.Loan{}).
			Where("id = ?", loan.ID).
			Updates(map[string]any{
				"balance":           loan.Balance,
				"installments_paid": loan.InstallmentsPaid,
				"status":            loan.Status,
				"updated_at":        now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &loan, nil
}

// LoanStanding reports overdue state and the late fee accrued so far. The fee
// is derived from the clock on every read and never written back.
func (s *Service) LoanStanding(ctx context.Context, actor string, loanID snowflake.ID) (*saccodomain.LoanStanding, error) {
	var loan saccodomain.Loan
	if err := s.db.WithContext(ctx).Where("id = ?", loanID).Take(&loan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, saccodomain.ErrLoanNotFound
		}
		return nil, err
	}
	if err := requireMember(actor, loan.MemberID); err != nil {
		return nil, err
	}

	standing := saccodomain.LoanStanding{
		Loan:      loan,
		LateFee:   decimal.Zero,
		TotalOwed: loan.Balance,
	}

	overdueEligible := loan.Status == saccodomain.LoanStatusDisbursed || loan.Status == saccodomain.LoanStatusActive
	if overdueEligible && loan.DueDate != nil {
		now := s.clock.Now()
		if now.After(*loan.DueDate) {
			standing.Overdue = true
			standing.DaysOverdue = int(now.Sub(*loan.DueDate) / (24 * time.Hour))
			standing.LateFee = loan.Balance.
				Mul(s.dailyLateFee).
				Mul(decimal.NewFromInt(int64(standing.DaysOverdue))).
				Round(4)
			standing.TotalOwed = loan.Balance.Add(standing.LateFee)
		}
	}
	return &standing, nil
}

func (s *Service) OverdueLoans(ctx context.Context, limit int) ([]saccodomain.Loan, error) {
	if limit <= 0 {
		limit = 100
	}
	var loans []saccodomain.Loan
	err := s.db.WithContext(ctx).
		Where("status IN ? AND due_date < ?",
			[]saccodomain.LoanStatus{saccodomain.LoanStatusDisbursed, saccodomain.LoanStatusActive},
			s.clock.Now()).
		Order("due_date ASC").
		Limit(limit).
		Find(&loans).Error
	return loans, err
}

func (s *Service) ownedAccount(ctx context.Context, actor string, accountID snowflake.ID) (*saccodomain.Account, error) {
	var account saccodomain.Account
	if err := s.db.WithContext(ctx).Where("id = ?", accountID).Take(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, saccodomain.ErrAccountNotFound
		}
		return nil, err
	}
	if err := requireMember(actor, account.MemberID); err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Service) lockLoan(tx *gorm.DB, loanID snowflake.ID, loan *saccodomain.Loan) error {
	query := tx
	switch tx.Dialector.Name() {
	case "postgres", "mysql":
		query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := query.Where("id = ?", loanID).Take(loan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return saccodomain.ErrLoanNotFound
		}
		return err
	}
	return nil
}

// requireMember enforces record ownership: a member actor may only touch
// records belonging to their own member id. Officers and system pass.
func requireMember(actor string, memberID snowflake.ID) error {
	if id, ok := strings.CutPrefix(actor, "member:"); ok {
		if strings.TrimSpace(id) != memberID.String() {
			return saccodomain.ErrNotAccountOwner
		}
	}
	return nil
}
