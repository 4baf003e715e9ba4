package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/sautistream/ledgercore/internal/audit/domain"
	auditrepository "github.com/sautistream/ledgercore/internal/audit/repository"
	auditservice "github.com/sautistream/ledgercore/internal/audit/service"
	"github.com/sautistream/ledgercore/internal/authorization"
	"github.com/sautistream/ledgercore/internal/clock"
	"github.com/sautistream/ledgercore/internal/config"
	ledgerdomain "github.com/sautistream/ledgercore/internal/ledger/domain"
	ledgerservice "github.com/sautistream/ledgercore/internal/ledger/service"
	paymentrepo "github.com/sautistream/ledgercore/internal/payment/repository"
	paymentservice "github.com/sautistream/ledgercore/internal/payment/service"
	payoutservice "github.com/sautistream/ledgercore/internal/payout/service"
	revenuedomain "github.com/sautistream/ledgercore/internal/revenue/domain"
	revenueservice "github.com/sautistream/ledgercore/internal/revenue/service"
	royaltydomain "github.com/sautistream/ledgercore/internal/royalty/domain"
	royaltyservice "github.com/sautistream/ledgercore/internal/royalty/service"
	saccodomain "github.com/sautistream/ledgercore/internal/sacco/domain"
	saccoservice "github.com/sautistream/ledgercore/internal/sacco/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupServer(t *testing.T) (*Server, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := filepath.Join(t.TempDir(), "server_test.db") + "?_pragma=busy_timeout(10000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.WalletBalance{},
		&revenuedomain.PlayEvent{},
		&revenuedomain.RevenueAccrual{},
		&royaltydomain.RoyaltySplit{},
		paymentrepo.Model(),
		&saccodomain.Account{},
		&saccodomain.Loan{},
		&auditdomain.AuditLog{},
	))

	node, err := snowflake.NewNode(8)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	cfg := config.Config{
		HTTPAddr: ":0",
		Ledger:   config.LedgerConfig{Currency: "UGX"},
		Payout:   config.PayoutConfig{DefaultMinimumAmount: decimal.NewFromInt(5000)},
		Sacco:    config.SaccoConfig{DailyLateFeeRate: decimal.RequireFromString("0.005")},
		Revenue: config.RevenueConfig{
			MinListenSeconds:   30,
			MinListenRatio:     decimal.RequireFromString("0.8"),
			PlatformFeePercent: decimal.NewFromInt(30),
			PremiumStreamRate:  decimal.RequireFromString("7.5"),
			FreeStreamRate:     decimal.RequireFromString("2.5"),
		},
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node, Clock: fake, Cfg: cfg})
	revenueSvc := revenueservice.NewService(revenueservice.Params{DB: db, Log: log, GenID: node, Clock: fake, Cfg: cfg})
	royaltySvc := royaltyservice.NewService(royaltyservice.Params{DB: db, Log: log, GenID: node, Clock: fake})
	paymentSvc := paymentservice.NewService(paymentservice.Params{
		Repo:  paymentrepo.New(paymentrepo.Params{DB: db}),
		Log:   log,
		GenID: node,
		Clock: fake,
		Cfg:   cfg,
	})

	enforcer, err := authorization.NewEnforcer(db)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer})

	saccoSvc := saccoservice.NewService(saccoservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Cfg: cfg,
		Ledger: ledgerSvc, Authz: authz,
	})
	payoutSvc := payoutservice.NewService(payoutservice.Params{
		DB: db, Log: log, Clock: fake, Cfg: cfg,
		Ledger: ledgerSvc, Revenue: revenueSvc, Authz: authz,
	})
	auditSvc := auditservice.NewService(auditservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake,
		Repo: auditrepository.Provide(),
	})

	srv := NewServer(ServerParams{
		Gin:        NewEngine(log),
		Cfg:        cfg,
		DB:         db,
		GenID:      node,
		LedgerSvc:  ledgerSvc,
		RevenueSvc: revenueSvc,
		RoyaltySvc: royaltySvc,
		PaymentSvc: paymentSvc,
		SaccoSvc:   saccoSvc,
		PayoutSvc:  payoutSvc,
		AuditSvc:   auditSvc,
		AuthzSvc:   authz,
	})
	return srv, db
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := setupServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetBalanceEmptyWallet(t *testing.T) {
	srv, _ := setupServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/v1/owners/42/balance", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data balanceResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "42", resp.Data.OwnerID)
	require.Equal(t, "0", resp.Data.Balance)
	require.Equal(t, "UGX", resp.Data.Currency)
}

func TestGetBalanceBadID(t *testing.T) {
	srv, _ := setupServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/v1/owners/not-a-number/balance", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueuePlayAccepted(t *testing.T) {
	srv, db := setupServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/plays", gin.H{
		"song_id":          "11",
		"artist_id":        "101",
		"listener_id":      "501",
		"premium_listener": true,
		"country":          "UG",
		"listened_seconds": 120,
		"duration_seconds": 180,
		"reference":        "play:http-1",
	}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var events []revenuedomain.PlayEvent
	require.NoError(t, db.Find(&events).Error)
	require.Len(t, events, 1)
}

func TestCreatePaymentAndReplay(t *testing.T) {
	srv, _ := setupServer(t)

	body := gin.H{
		"user_id":      "501",
		"payable_kind": "ticket",
		"payable_id":   "9001",
		"amount":       "25000",
		"provider":     "mtn_momo",
		"reference":    "pay:http-1",
	}

	rec := doJSON(t, srv, http.MethodPost, "/v1/payments", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Data paymentResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "pending", created.Data.Status)
	require.Equal(t, "UGX", created.Data.Currency)

	// The same reference returns the existing payment, not a second charge.
	rec = doJSON(t, srv, http.MethodPost, "/v1/payments", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var replayed struct {
		Data paymentResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replayed))
	require.Equal(t, created.Data.ID, replayed.Data.ID)
}

func TestPaymentIllegalTransitionConflict(t *testing.T) {
	srv, _ := setupServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/payments", gin.H{
		"user_id":      "501",
		"payable_kind": "ticket",
		"payable_id":   "9001",
		"amount":       "25000",
		"provider":     "mtn_momo",
		"reference":    "pay:http-2",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		Data paymentResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// pending -> completed skips processing.
	rec = doJSON(t, srv, http.MethodPost, "/v1/payments/"+created.Data.ID+"/complete", gin.H{
		"provider_transaction_id": "MM1",
	}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetPaymentNotFound(t *testing.T) {
	srv, _ := setupServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/v1/payments/123456", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSaccoDepositRequiresActor(t *testing.T) {
	srv, db := setupServer(t)

	account := saccodomain.Account{
		ID: 301, MemberID: 61, Type: saccodomain.AccountTypeSavings,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, db.Create(&account).Error)

	rec := doJSON(t, srv, http.MethodPost, "/v1/sacco/accounts/301/deposits", gin.H{
		"amount":    "10000",
		"reference": "dep:http-1",
	}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/sacco/accounts/301/deposits", gin.H{
		"amount":    "10000",
		"reference": "dep:http-1",
	}, map[string]string{"X-Actor": "member:61"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPayoutRunForbiddenForMembers(t *testing.T) {
	srv, _ := setupServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/v1/admin/payout-run", nil, map[string]string{"X-Actor": "member:61"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/admin/payout-run", nil, map[string]string{"X-Actor": "system"})
	require.Equal(t, http.StatusOK, rec.Code)
}
