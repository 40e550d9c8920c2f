package kakaopay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/fortunepay/internal/payment/domain"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gw, err := NewFactory(srv.Client()).NewGateway(paymentdomain.GatewayConfig{
		Provider:      ProviderName,
		SecretKey:     "DEV_SECRET",
		CID:           "TC0ONETIME",
		BaseURL:       srv.URL,
		WebhookSecret: "whsec",
		Timeout:       2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gw.(*Adapter)
}

func TestReadySendsOrderPayload(t *testing.T) {
	var got map[string]any
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathReady {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "SECRET_KEY DEV_SECRET" {
			t.Errorf("unexpected authorization %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"tid":"T1","next_redirect_pc_url":"https://pay/pc","next_redirect_mobile_url":"https://pay/m","created_at":"2026-01-02T12:00:00"}`))
	})

	orderID := snowflake.ID(42)
	res, err := gw.Ready(context.Background(), paymentdomain.ReadyRequest{
		OrderID:     orderID,
		ItemName:    "Saju Deep Report",
		Amount:      1900,
		Payer:       paymentdomain.Payer{Email: "hong@example.com"},
		ApprovalURL: "https://site/order/approve?order_id=42",
		CancelURL:   "https://site/order/cancel?order_id=42",
		FailURL:     "https://site/order/fail?order_id=42",
	})
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if res.TID != "T1" || res.RedirectPC != "https://pay/pc" || res.RedirectMobile != "https://pay/m" {
		t.Fatalf("unexpected ready result %+v", res)
	}
	if want := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC); !res.CreatedAt.Equal(want) {
		t.Fatalf("expected KST timestamp converted to %s, got %s", want, res.CreatedAt)
	}

	if got["cid"] != "TC0ONETIME" || got["partner_order_id"] != "42" || got["partner_user_id"] != "hong" {
		t.Fatalf("unexpected identifiers in payload %v", got)
	}
	if got["total_amount"] != float64(1900) || got["quantity"] != float64(1) || got["tax_free_amount"] != float64(0) {
		t.Fatalf("unexpected amounts in payload %v", got)
	}
}

func TestApproveParsesAmountAndMethod(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		var body approveRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.PGToken != "pg123" || body.TID != "T1" || body.PartnerUserID != "7" {
			t.Errorf("unexpected approve body %+v", body)
		}
		_, _ = w.Write([]byte(`{"aid":"A1","tid":"T1","payment_method_type":"card","amount":{"total":1900},"approved_at":"2026-01-02T12:05:00"}`))
	})

	res, err := gw.Approve(context.Background(), paymentdomain.ApproveRequest{
		TID:     "T1",
		PGToken: "pg123",
		OrderID: snowflake.ID(42),
		Payer:   paymentdomain.Payer{AccountID: 7},
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Amount != 1900 || res.Method != paymentdomain.MethodCard {
		t.Fatalf("unexpected approve result %+v", res)
	}
	if len(res.Raw) == 0 {
		t.Fatalf("expected raw payload to be kept")
	}
}

func TestProviderErrorsSurfaceMessage(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error_code":-780,"error_message":"approval failure!","extras":{"method_result_code":"USER_LOCKED","method_result_message":"잠금 상태"}}`))
	})

	_, err := gw.Approve(context.Background(), paymentdomain.ApproveRequest{TID: "T1", PGToken: "x", OrderID: 1})
	var gwErr *paymentdomain.GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	if gwErr.Code != "-780" || gwErr.Message != "잠금 상태" || gwErr.Status != http.StatusBadRequest {
		t.Fatalf("unexpected gateway error %+v", gwErr)
	}
}

func TestMalformedResponse(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})

	_, err := gw.Status(context.Background(), "T1")
	var gwErr *paymentdomain.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Op != "order" {
		t.Fatalf("expected malformed gateway error, got %v", err)
	}
}

func TestCancelAndStatus(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathCancel:
			var body cancelRequest
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.CancelAmount != 1900 {
				t.Errorf("unexpected cancel amount %d", body.CancelAmount)
			}
			_, _ = w.Write([]byte(`{"tid":"T1","status":"CANCEL_PAYMENT","canceled_amount":{"total":1900}}`))
		case pathOrder:
			_, _ = w.Write([]byte(`{"tid":"T1","status":"SUCCESS_PAYMENT","payment_method_type":"MONEY","amount":{"total":1900}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	cancelled, err := gw.Cancel(context.Background(), "T1", 1900)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.CancelledAmount != 1900 || cancelled.Status != "CANCEL_PAYMENT" {
		t.Fatalf("unexpected cancel result %+v", cancelled)
	}

	status, err := gw.Status(context.Background(), "T1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != "SUCCESS_PAYMENT" || status.Method != paymentdomain.MethodMoney || status.Amount != 1900 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestNewGatewayRequiresCredentials(t *testing.T) {
	if _, err := NewFactory(nil).NewGateway(paymentdomain.GatewayConfig{CID: "TC0ONETIME"}); !errors.Is(err, paymentdomain.ErrInvalidConfig) {
		t.Fatalf("expected invalid config without secret, got %v", err)
	}
	if _, err := NewFactory(nil).NewGateway(paymentdomain.GatewayConfig{SecretKey: "k"}); !errors.Is(err, paymentdomain.ErrInvalidConfig) {
		t.Fatalf("expected invalid config without cid, got %v", err)
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"type":"PAYMENT_CANCELED","tid":"T1"}`)
	adapter := &Adapter{webhookSecret: "whsec"}

	headers := http.Header{}
	headers.Set(SignatureHeader, Sign("whsec", payload))
	if err := adapter.Verify(context.Background(), payload, headers); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	headers.Set(SignatureHeader, Sign("wrong", payload))
	if err := adapter.Verify(context.Background(), payload, headers); !errors.Is(err, paymentdomain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	if err := (&Adapter{}).Verify(context.Background(), payload, http.Header{}); err != nil {
		t.Fatalf("expected unsigned payload to pass without secret, got %v", err)
	}
}

func TestParseWebhookEvents(t *testing.T) {
	adapter := &Adapter{}
	ctx := context.Background()

	event, err := adapter.Parse(ctx, []byte(`{"event_id":"evt1","type":"payment_canceled","tid":"T1","partner_order_id":"42","amount":{"total":1900}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.Type != paymentdomain.EventTypePaymentCanceled || event.ProviderEventID != "evt1" || event.Amount != 1900 {
		t.Fatalf("unexpected event %+v", event)
	}

	event, err = adapter.Parse(ctx, []byte(`{"type":"PAYMENT_STATUS_CHANGED","tid":"T2","status":"QUIT_PAYMENT"}`))
	if err != nil {
		t.Fatalf("parse status change: %v", err)
	}
	if event.ProviderEventID != "T2:PAYMENT_STATUS_CHANGED:QUIT_PAYMENT" {
		t.Fatalf("expected derived event id, got %q", event.ProviderEventID)
	}

	if _, err := adapter.Parse(ctx, []byte(`{"type":"SOMETHING_ELSE","tid":"T3"}`)); !errors.Is(err, paymentdomain.ErrEventIgnored) {
		t.Fatalf("expected ignored event, got %v", err)
	}
	if _, err := adapter.Parse(ctx, []byte(`{`)); !errors.Is(err, paymentdomain.ErrInvalidPayload) {
		t.Fatalf("expected invalid payload, got %v", err)
	}
	if _, err := adapter.Parse(ctx, []byte(`{"type":"PAYMENT_CANCELED"}`)); !errors.Is(err, paymentdomain.ErrInvalidEvent) {
		t.Fatalf("expected invalid event without tid, got %v", err)
	}
}
