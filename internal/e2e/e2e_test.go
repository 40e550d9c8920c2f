// Package e2e drives the assembled HTTP stack against SQLite with the
// auto-approving dev gateway and the in-process report pool.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/fortunepay/internal/catalog"
	"github.com/smallbiznis/fortunepay/internal/clock"
	"github.com/smallbiznis/fortunepay/internal/config"
	"github.com/smallbiznis/fortunepay/internal/fulfillment"
	"github.com/smallbiznis/fortunepay/internal/idempotency"
	"github.com/smallbiznis/fortunepay/internal/ledger"
	"github.com/smallbiznis/fortunepay/internal/migration"
	"github.com/smallbiznis/fortunepay/internal/observability"
	"github.com/smallbiznis/fortunepay/internal/order"
	"github.com/smallbiznis/fortunepay/internal/payment"
	"github.com/smallbiznis/fortunepay/internal/points"
	"github.com/smallbiznis/fortunepay/internal/providers"
	"github.com/smallbiznis/fortunepay/internal/ratelimit"
	"github.com/smallbiznis/fortunepay/internal/scheduler"
	"github.com/smallbiznis/fortunepay/internal/server"
	"github.com/smallbiznis/fortunepay/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const (
	sajuKey       = "1990-05-15_10_male"
	reportTimeout = 20 * time.Second
)

type testEnv struct {
	app       *fx.App
	server    *server.Server
	db        *gorm.DB
	scheduler *scheduler.Scheduler
	baseURL   string
	httpSrv   *httptest.Server
	workDir   string
}

var env *testEnv

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)

	workDir, err := os.MkdirTemp("", "fortunepay-e2e-")
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create work dir:", err)
		os.Exit(1)
	}
	setDefaultEnv(workDir)

	env, err = startEnv(workDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		_ = os.RemoveAll(workDir)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func startEnv(workDir string) (*testEnv, error) {
	var (
		srv    *server.Server
		dbConn *gorm.DB
		sched  *scheduler.Scheduler
	)

	app := fx.New(
		fx.NopLogger,
		config.Module,
		observability.Module,
		fx.Provide(func(cfg config.Config) (*snowflake.Node, error) {
			return snowflake.NewNode(cfg.SnowflakeNode)
		}),
		db.Module,
		clock.Module,
		migration.Module,

		ledger.Module,
		points.Module,
		catalog.Module,
		catalog.SyncOnStart,
		idempotency.Module,
		ratelimit.Module,
		payment.Module,
		order.Module,
		providers.Module,
		fulfillment.Module,

		fx.Provide(scheduler.ProvideConfig),
		fx.Provide(scheduler.New),
		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Populate(&srv, &dbConn, &sched),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return nil, err
	}

	httpSrv := httptest.NewServer(srv.Engine())
	return &testEnv{
		app:       app,
		server:    srv,
		db:        dbConn,
		scheduler: sched,
		baseURL:   httpSrv.URL,
		httpSrv:   httpSrv,
		workDir:   workDir,
	}, nil
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	if e.app != nil {
		_ = e.app.Stop(context.Background())
	}
	if e.workDir != "" {
		_ = os.RemoveAll(e.workDir)
	}
}

func setDefaultEnv(workDir string) {
	_ = os.Setenv("ENVIRONMENT", "test")
	_ = os.Setenv("LOG_LEVEL", "error")
	_ = os.Setenv("DATABASE_TYPE", "sqlite")
	_ = os.Setenv("DATABASE_NAME", filepath.Join(workDir, "e2e"))
	_ = os.Setenv("DEV_MODE", "true")
	_ = os.Setenv("SKIP_PAYMENT", "true")
	_ = os.Setenv("SITE_URL", "http://fortune.test")
	_ = os.Setenv("IDEMPOTENCY_BACKEND", "memory")
	_ = os.Setenv("REPORT_DISPATCHER", "pool")
	_ = os.Setenv("REPORT_OUTPUT_DIR", filepath.Join(workDir, "reports"))
	_ = os.Setenv("FORTUNEPAY_CATALOG_PATH", workDir)
	_ = os.Setenv("RATE_LIMIT_ENABLED", "false")
	_ = os.Setenv("OTEL_ENABLED", "false")
}

// Each test uses its own account so tests share one database safely.
var nextAccount int64 = 1000

func newAccount() string {
	nextAccount++
	return strconv.FormatInt(nextAccount, 10)
}

func TestE2E_HealthCheck(t *testing.T) {
	resp, body := doJSON(t, http.MethodGet, "/health", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
}

func TestE2E_ListPackages(t *testing.T) {
	resp, body := doJSON(t, http.MethodGet, "/api/packages", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"basic"`) {
		t.Fatalf("expected the default catalog to be synced, got %s", body)
	}
}

func TestE2E_PackagePurchaseThenPointsReport(t *testing.T) {
	account := newAccount()

	checkout := createPackageOrder(t, account, "basic", "")
	approvePath := approvalPath(t, checkout.RedirectPC)

	resp, body := doJSON(t, http.MethodGet, approvePath, "", nil, nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected approve redirect, got %d: %s", resp.StatusCode, body)
	}
	if want := "/order/complete/" + checkout.OrderID; resp.Header.Get("Location") != want {
		t.Fatalf("expected redirect to %s, got %s", want, resp.Header.Get("Location"))
	}

	if got := balance(t, account); got != 100 {
		t.Fatalf("expected 100 points after the basic package, got %d", got)
	}

	// Replaying the provider redirect must not credit twice.
	resp, _ = doJSON(t, http.MethodGet, approvePath, "", nil, nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected replayed approve to redirect, got %d", resp.StatusCode)
	}
	if got := balance(t, account); got != 100 {
		t.Fatalf("expected balance to stay at 100, got %d", got)
	}

	resp, body = doJSON(t, http.MethodPost, "/api/orders/points", account, map[string]any{
		"saju_key": sajuKey,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for points purchase, got %d: %s", resp.StatusCode, body)
	}
	var purchased struct {
		ID           string `json:"id"`
		Status       string `json:"status"`
		PointsAmount int64  `json:"points_amount"`
	}
	decode(t, body, &purchased)
	if purchased.Status != "paid" {
		t.Fatalf("expected paid order, got %s", purchased.Status)
	}
	if got := balance(t, account); got != 100-purchased.PointsAmount {
		t.Fatalf("expected %d points after spending, got %d", 100-purchased.PointsAmount, got)
	}

	order := waitForReport(t, account, purchased.ID)
	if order.ReportStatus != "completed" {
		t.Fatalf("expected completed report, got %s (%s)", order.ReportStatus, order.ReportError)
	}
	for _, path := range []string{order.HTMLPath, order.PDFPath} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected report artifact %s: %v", path, err)
		}
	}

	// A repeat inside the dedupe window replays the first order.
	resp, body = doJSON(t, http.MethodPost, "/api/orders/points", account, map[string]any{
		"saju_key": sajuKey,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected replayed 201 for a repeat purchase, got %d: %s", resp.StatusCode, body)
	}
	var replayed struct {
		ID string `json:"id"`
	}
	decode(t, body, &replayed)
	if replayed.ID != purchased.ID {
		t.Fatalf("expected replay of order %s, got %s", purchased.ID, replayed.ID)
	}
	if got := balance(t, account); got != 100-purchased.PointsAmount {
		t.Fatalf("expected the repeat to spend nothing, got balance %d", got)
	}

	resp, body = doJSON(t, http.MethodGet, "/api/points/transactions", account, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 listing transactions, got %d: %s", resp.StatusCode, body)
	}
	var history struct {
		Data []struct {
			Kind   string `json:"kind"`
			Amount int64  `json:"amount"`
		} `json:"data"`
	}
	decode(t, body, &history)
	if len(history.Data) != 2 {
		t.Fatalf("expected earn and spend entries, got %d", len(history.Data))
	}
}

func TestE2E_InsufficientPoints(t *testing.T) {
	account := newAccount()

	resp, body := doJSON(t, http.MethodPost, "/api/orders/points", account, map[string]any{
		"saju_key": sajuKey,
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "insufficient_balance") {
		t.Fatalf("expected insufficient_balance, got %s", body)
	}
	if got := balance(t, account); got != 0 {
		t.Fatalf("expected untouched balance, got %d", got)
	}
}

func TestE2E_IdempotentCheckout(t *testing.T) {
	account := newAccount()
	key := "checkout-" + account

	first := createPackageOrder(t, account, "standard", key)
	second := createPackageOrder(t, account, "standard", key)
	if first.OrderID != second.OrderID {
		t.Fatalf("expected the replayed checkout to return order %s, got %s", first.OrderID, second.OrderID)
	}

	if n := countRows(t, "orders", "account_id = ?", mustAccount(t, account)); n != 1 {
		t.Fatalf("expected one order row, got %d", n)
	}
}

func TestE2E_CancelCallback(t *testing.T) {
	account := newAccount()
	checkout := createPackageOrder(t, account, "basic", "")

	resp, _ := doJSON(t, http.MethodGet, "/order/cancel?order_id="+checkout.OrderID, "", nil, nil)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect, got %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("Location"), "message=cancelled") {
		t.Fatalf("unexpected redirect %s", resp.Header.Get("Location"))
	}

	resp, body := doJSON(t, http.MethodGet, "/api/orders/"+checkout.OrderID, account, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var got struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	decode(t, body, &got)
	if got.Data.Status != "cancelled" {
		t.Fatalf("expected cancelled order, got %s", got.Data.Status)
	}

	// A cancelled order cannot be approved afterwards.
	resp, _ = doJSON(t, http.MethodGet, approvalPath(t, checkout.RedirectPC), "", nil, nil)
	if !strings.Contains(resp.Header.Get("Location"), "/order/failed") {
		t.Fatalf("expected approve of a cancelled order to fail, got %s", resp.Header.Get("Location"))
	}
	if got := balance(t, account); got != 0 {
		t.Fatalf("expected no points for a cancelled order, got %d", got)
	}
}

func TestE2E_SchedulerSweep(t *testing.T) {
	if err := env.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("scheduler run: %v", err)
	}
}

type checkoutResponse struct {
	OrderID    string `json:"order_id"`
	RedirectPC string `json:"next_redirect_pc_url"`
}

func createPackageOrder(t *testing.T, account, code, idempotencyKey string) checkoutResponse {
	t.Helper()
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers[server.HeaderIdempotencyKey] = idempotencyKey
	}
	resp, body := doJSON(t, http.MethodPost, "/api/orders/packages", account, map[string]any{
		"package_code": code,
	}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 creating package order, got %d: %s", resp.StatusCode, body)
	}
	var out checkoutResponse
	decode(t, body, &out)
	if out.OrderID == "" || out.RedirectPC == "" {
		t.Fatalf("incomplete checkout response: %s", body)
	}
	return out
}

// approvalPath strips the site origin so the redirect can be replayed
// against the test server.
func approvalPath(t *testing.T, redirect string) string {
	t.Helper()
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parse redirect %q: %v", redirect, err)
	}
	if u.Query().Get("pg_token") == "" {
		t.Fatalf("expected pg_token on redirect %q", redirect)
	}
	return u.RequestURI()
}

func balance(t *testing.T, account string) int64 {
	t.Helper()
	resp, body := doJSON(t, http.MethodGet, "/api/points", account, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 reading balance, got %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Data struct {
			Balance int64 `json:"balance"`
		} `json:"data"`
	}
	decode(t, body, &out)
	return out.Data.Balance
}

type orderView struct {
	ReportStatus string `json:"report_status"`
	ReportError  string `json:"report_error"`
	HTMLPath     string `json:"html_path"`
	PDFPath      string `json:"pdf_path"`
}

func waitForReport(t *testing.T, account, orderID string) orderView {
	t.Helper()
	deadline := time.Now().Add(reportTimeout)
	for {
		resp, body := doJSON(t, http.MethodGet, "/api/orders/"+orderID, account, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200 reading order, got %d: %s", resp.StatusCode, body)
		}
		var out struct {
			Data orderView `json:"data"`
		}
		decode(t, body, &out)
		switch out.Data.ReportStatus {
		case "completed", "failed":
			return out.Data
		}
		if time.Now().After(deadline) {
			t.Fatalf("report for order %s still %s after %s", orderID, out.Data.ReportStatus, reportTimeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func countRows(t *testing.T, table string, where string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := env.db.Table(table).Where(where, args...).Count(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

func mustAccount(t *testing.T, account string) int64 {
	t.Helper()
	id, err := strconv.ParseInt(account, 10, 64)
	if err != nil {
		t.Fatalf("parse account %q: %v", account, err)
	}
	return id
}

func decode(t *testing.T, body []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
}

func doJSON(t *testing.T, method, path, account string, payload any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode json: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, env.baseURL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if account != "" {
		req.Header.Set(server.HeaderAccount, account)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := newHTTPClient().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}

// Redirects are asserted, not followed.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 15 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
