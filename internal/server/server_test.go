package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/meterbill/meterbill/internal/account/domain"
	accountservice "github.com/meterbill/meterbill/internal/account/service"
	billingdomain "github.com/meterbill/meterbill/internal/billing/domain"
	billingservice "github.com/meterbill/meterbill/internal/billing/service"
	"github.com/meterbill/meterbill/internal/clock"
	"github.com/meterbill/meterbill/internal/config"
	ledgerdomain "github.com/meterbill/meterbill/internal/ledger/domain"
	ledgerservice "github.com/meterbill/meterbill/internal/ledger/service"
	reconciledomain "github.com/meterbill/meterbill/internal/reconcile/domain"
	reconcileservice "github.com/meterbill/meterbill/internal/reconcile/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestRouter(t *testing.T) (*gin.Engine, *config.BillingConfigHolder) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&accountdomain.Account{},
		&billingdomain.UsageCache{},
		&ledgerdomain.LedgerEntry{},
		&reconciledomain.Anomaly{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	logger := zap.NewNop()
	clk := clock.NewSystemClock()

	accountSvc := accountservice.NewService(accountservice.Params{DB: db, Log: logger})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: logger})
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	engine := billingservice.NewEngine(billingservice.Params{
		DB:         db,
		Log:        logger,
		GenID:      node,
		Clock:      clk,
		AccountSvc: accountSvc,
		LedgerSvc:  ledgerSvc,
		Billing:    holder,
	})
	verifier := reconcileservice.NewVerifier(reconcileservice.Params{
		DB:        db,
		Log:       logger,
		GenID:     node,
		Clock:     clk,
		LedgerSvc: ledgerSvc,
		Billing:   holder,
	})

	srv := NewServer(ServerParams{
		Log:        logger,
		AccountSvc: accountSvc,
		BillingSvc: engine,
		LedgerSvc:  ledgerSvc,
		Verifier:   verifier,
	})

	r := gin.New()
	r.Use(ErrorHandlingMiddleware())
	srv.RegisterRoutes(r)
	return r, holder
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestReportUsageEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/usage/reports", billingdomain.BillUsageRequest{
		AccountID:      100,
		Resource:       ledgerdomain.ResourceRef{Type: "session", ID: "s1"},
		ElapsedSeconds: 185,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var result billingdomain.BillingResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, int64(4), result.CreditsCharged)
	assert.Equal(t, int64(4), result.Watermark)

	// Stale report comes back as a conflict, not a server error.
	w = doJSON(t, r, http.MethodPost, "/v1/usage/reports", billingdomain.BillUsageRequest{
		AccountID:      100,
		Resource:       ledgerdomain.ResourceRef{Type: "session", ID: "s1"},
		ElapsedSeconds: 60,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "non_monotonic_usage_report")
}

func TestReportUsageEndpoint_MalformedBody(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/usage/reports", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdjustmentAndBalanceEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/adjustments", billingdomain.AdjustmentRequest{
		AccountID: 100,
		Delta:     50,
		Kind:      ledgerdomain.KindPurchase,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/accounts/100/balance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var balance struct {
		AccountID int64 `json:"account_id"`
		Balance   int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &balance))
	assert.Equal(t, int64(50), balance.Balance)

	w = doJSON(t, r, http.MethodGet, "/v1/accounts/999/balance", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/accounts/abc/balance", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInsufficientBalanceMapsToPaymentRequired(t *testing.T) {
	r, holder := newTestRouter(t)
	cfg := holder.Get()
	cfg.Policy = config.PolicyHard
	holder.Store(cfg)

	w := doJSON(t, r, http.MethodPost, "/v1/adjustments", billingdomain.AdjustmentRequest{
		AccountID: 100,
		Delta:     1,
		Kind:      ledgerdomain.KindPurchase,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/usage/reports", billingdomain.BillUsageRequest{
		AccountID:      100,
		Resource:       ledgerdomain.ResourceRef{Type: "session", ID: "s1"},
		ElapsedSeconds: 600,
	})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_balance")
}

func TestSoftPolicyReportsOverBudget(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/usage/reports", billingdomain.BillUsageRequest{
		AccountID:      100,
		Resource:       ledgerdomain.ResourceRef{Type: "session", ID: "s1"},
		ElapsedSeconds: 600,
	})
	require.Equal(t, http.StatusOK, w.Code)
	var result billingdomain.BillingResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.OverBudget)
	assert.Equal(t, int64(-10), result.Balance)
}

func TestLedgerEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	for _, elapsed := range []int64{60, 120, 180} {
		w := doJSON(t, r, http.MethodPost, "/v1/usage/reports", billingdomain.BillUsageRequest{
			AccountID:      100,
			Resource:       ledgerdomain.ResourceRef{Type: "session", ID: "s1"},
			ElapsedSeconds: elapsed,
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := doJSON(t, r, http.MethodGet, "/v1/ledger?account_id=100&page_size=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp ledgerdomain.ListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Entries, 2)
	assert.True(t, resp.PageInfo.HasMore)
	require.NotEmpty(t, resp.PageInfo.NextPageToken)

	w = doJSON(t, r, http.MethodGet, "/v1/ledger?account_id=100&page_size=2&page_token="+url.QueryEscape(resp.PageInfo.NextPageToken), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Entries, 1)
	assert.False(t, resp.PageInfo.HasMore)

	// Both filters at once is rejected.
	w = doJSON(t, r, http.MethodGet, "/v1/ledger?account_id=100&resource_type=session&resource_id=s1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConsistencyEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/usage/reports", billingdomain.BillUsageRequest{
		AccountID:      100,
		Resource:       ledgerdomain.ResourceRef{Type: "session", ID: "s1"},
		ElapsedSeconds: 120,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/consistency", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report reconciledomain.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.CheckedAccounts)
	assert.Equal(t, 1, report.CheckedResources)
	assert.Empty(t, report.Mismatches)

	// account_id and resource scopes are mutually exclusive.
	w = doJSON(t, r, http.MethodGet, "/v1/consistency?account_id=100&resource_type=session&resource_id=s1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFinalizeEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/usage/reports", billingdomain.BillUsageRequest{
		AccountID:      100,
		Resource:       ledgerdomain.ResourceRef{Type: "session", ID: "s1"},
		ElapsedSeconds: 120,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/resources/finalize", ledgerdomain.ResourceRef{Type: "session", ID: "s1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/usage/reports", billingdomain.BillUsageRequest{
		AccountID:      100,
		Resource:       ledgerdomain.ResourceRef{Type: "session", ID: "s1"},
		ElapsedSeconds: 600,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/resources/finalize", ledgerdomain.ResourceRef{Type: "session", ID: "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
