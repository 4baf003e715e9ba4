package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/sautistream/ledgercore/internal/ledger/domain"
	royaltydomain "github.com/sautistream/ledgercore/internal/royalty/domain"
	"github.com/shopspring/decimal"
)

// SweepResult summarizes one payout run.
type SweepResult struct {
	Examined  int
	Paid      int
	TotalPaid decimal.Decimal
}

type Service interface {
	// FindDueRecipients selects splits whose pending payout has crossed the
	// minimum and whose payout policy (auto flag or frequency staleness) says
	// it is time to pay.
	FindDueRecipients(ctx context.Context, limit int) ([]royaltydomain.RoyaltySplit, error)
	// ExecutePayout credits the recipient's wallet and zeroes the split's
	// pending payout in one transaction. A split with nothing pending returns
	// (nil, nil).
	ExecutePayout(ctx context.Context, actor string, splitID snowflake.ID) (*ledgerdomain.LedgerEntry, error)
	RunSweep(ctx context.Context, actor string) (*SweepResult, error)
}
