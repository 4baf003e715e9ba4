package authorization

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/sautistream/ledgercore/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectWallet       = "wallet"
	ObjectRevenue      = "revenue"
	ObjectRoyaltySplit = "royalty_split"
	ObjectPayout       = "payout"
	ObjectSaccoAccount = "sacco_account"
	ObjectSaccoLoan    = "sacco_loan"
)

const (
	ActionWalletReconcile = "wallet.reconcile"
	ActionWalletTransfer  = "wallet.transfer"

	ActionRevenueAccrue     = "revenue.accrue"
	ActionRoyaltyDistribute = "royalty_split.distribute"
	ActionRoyaltyManage     = "royalty_split.manage"

	ActionPayoutExecute = "payout.execute"

	ActionSaccoAccountOpen     = "sacco_account.open"
	ActionSaccoAccountDeposit  = "sacco_account.deposit"
	ActionSaccoAccountWithdraw = "sacco_account.withdraw"

	ActionSaccoLoanApply    = "sacco_loan.apply"
	ActionSaccoLoanApprove  = "sacco_loan.approve"
	ActionSaccoLoanDisburse = "sacco_loan.disburse"
	ActionSaccoLoanRepay    = "sacco_loan.repay"
)

// ActorSystem identifies background jobs and internal callers.
const ActorSystem = "system"

func ActorMember(id snowflake.ID) string  { return "member:" + id.String() }
func ActorOfficer(id snowflake.ID) string { return "officer:" + id.String() }

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)

type Service interface {
	Authorize(ctx context.Context, actor string, object string, action string) error
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

// Authorize checks whether the actor may perform action on object. Actors are
// "system", "member:<id>" or "officer:<id>"; per-record ownership (a member only
// touching their own accounts) is enforced by the calling service on top of this
// capability check.
func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	roleName, actorType, actorID, err := resolveActor(actor)
	if err != nil {
		return err
	}

	if _, err := s.enforcer.AddGroupingPolicy(actor, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(actor, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, actorType, actorID, object, action)
		return ErrForbidden
	}
	return nil
}

func resolveActor(actor string) (string, string, *string, error) {
	if actor == "system" {
		return "role:system", "system", nil, nil
	}
	if id, ok := strings.CutPrefix(actor, "member:"); ok && strings.TrimSpace(id) != "" {
		trimmed := strings.TrimSpace(id)
		return "role:member", "member", &trimmed, nil
	}
	if id, ok := strings.CutPrefix(actor, "officer:"); ok && strings.TrimSpace(id) != "" {
		trimmed := strings.TrimSpace(id)
		return "role:officer", "officer", &trimmed, nil
	}
	return "", "", nil, ErrInvalidActor
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actorType string, actorID *string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, actorType, actorID, "authorization.denied", object, nil, map[string]any{
		"action": action,
	}); err != nil {
		s.log.Warn("failed to audit authorization denial", zap.Error(err))
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Members operate their own savings/share accounts and loans.
		{"role:member", ObjectSaccoAccount, ActionSaccoAccountOpen},
		{"role:member", ObjectSaccoAccount, ActionSaccoAccountDeposit},
		{"role:member", ObjectSaccoAccount, ActionSaccoAccountWithdraw},
		{"role:member", ObjectSaccoLoan, ActionSaccoLoanApply},
		{"role:member", ObjectSaccoLoan, ActionSaccoLoanRepay},
		{"role:member", ObjectWallet, ActionWalletTransfer},

		// Officers review and move loans through their lifecycle.
		{"role:officer", ObjectSaccoLoan, ActionSaccoLoanApprove},
		{"role:officer", ObjectSaccoLoan, ActionSaccoLoanDisburse},
		{"role:officer", ObjectRoyaltySplit, ActionRoyaltyManage},

		// System actor drives the background jobs.
		{"role:system", ObjectWallet, ActionWalletReconcile},
		{"role:system", ObjectRevenue, ActionRevenueAccrue},
		{"role:system", ObjectRoyaltySplit, ActionRoyaltyDistribute},
		{"role:system", ObjectRoyaltySplit, ActionRoyaltyManage},
		{"role:system", ObjectPayout, ActionPayoutExecute},
		{"role:system", ObjectSaccoLoan, ActionSaccoLoanDisburse},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy[0], policy[1], policy[2]); err != nil {
			return err
		}
	}
	return nil
}

var Module = fx.Module("authorization",
	fx.Provide(
		NewEnforcer,
		NewService,
	),
)
