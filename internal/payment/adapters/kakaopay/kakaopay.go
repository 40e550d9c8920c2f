package kakaopay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/fortunepay/internal/payment/domain"
)

const (
	ProviderName = "kakaopay"

	DefaultBaseURL = "https://open-api.kakaopay.com"
	defaultTimeout = 10 * time.Second

	pathReady   = "/online/v1/payment/ready"
	pathApprove = "/online/v1/payment/approve"
	pathOrder   = "/online/v1/payment/order"
	pathCancel  = "/online/v1/payment/cancel"

	SignatureHeader = "X-KakaoPay-Signature"

	maxResponseBytes = 1 << 20
)

var kst = time.FixedZone("KST", 9*60*60)

type Factory struct {
	client *http.Client
}

// NewFactory builds gateways on client, or on a fresh client per gateway
// when client is nil.
func NewFactory(client *http.Client) *Factory {
	return &Factory{client: client}
}

func (f *Factory) Provider() string {
	return ProviderName
}

func (f *Factory) NewGateway(cfg paymentdomain.GatewayConfig) (paymentdomain.Gateway, error) {
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	cid := strings.TrimSpace(cfg.CID)
	if cid == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := f.client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Adapter{
		secretKey:     secret,
		cid:           cid,
		baseURL:       baseURL,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		timeout:       timeout,
		client:        client,
	}, nil
}

type Adapter struct {
	secretKey     string
	cid           string
	baseURL       string
	webhookSecret string
	timeout       time.Duration
	client        *http.Client
}

func (a *Adapter) Provider() string {
	return ProviderName
}

func (a *Adapter) Ready(ctx context.Context, req paymentdomain.ReadyRequest) (*paymentdomain.ReadyResult, error) {
	body := readyRequest{
		CID:            a.cid,
		PartnerOrderID: req.OrderID.String(),
		PartnerUserID:  partnerUserID(req.Payer),
		ItemName:       req.ItemName,
		Quantity:       1,
		TotalAmount:    req.Amount,
		TaxFreeAmount:  0,
		ApprovalURL:    req.ApprovalURL,
		CancelURL:      req.CancelURL,
		FailURL:        req.FailURL,
	}

	var resp readyResponse
	if _, err := a.post(ctx, "ready", pathReady, body, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.TID) == "" {
		return nil, a.malformed("ready", errors.New("missing tid"))
	}
	return &paymentdomain.ReadyResult{
		TID:            resp.TID,
		RedirectPC:     resp.NextRedirectPCURL,
		RedirectMobile: resp.NextRedirectMobileURL,
		RedirectApp:    resp.NextRedirectAppURL,
		CreatedAt:      parseTime(resp.CreatedAt),
	}, nil
}

func (a *Adapter) Approve(ctx context.Context, req paymentdomain.ApproveRequest) (*paymentdomain.ApproveResult, error) {
	body := approveRequest{
		CID:            a.cid,
		TID:            req.TID,
		PartnerOrderID: req.OrderID.String(),
		PartnerUserID:  partnerUserID(req.Payer),
		PGToken:        req.PGToken,
	}

	var resp approveResponse
	raw, err := a.post(ctx, "approve", pathApprove, body, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Amount == nil {
		return nil, a.malformed("approve", errors.New("missing amount"))
	}
	return &paymentdomain.ApproveResult{
		TID:        resp.TID,
		Amount:     resp.Amount.Total,
		Method:     strings.ToUpper(strings.TrimSpace(resp.PaymentMethodType)),
		ApprovedAt: parseTime(resp.ApprovedAt),
		Raw:        raw,
	}, nil
}

func (a *Adapter) Cancel(ctx context.Context, tid string, amount int64) (*paymentdomain.CancelResult, error) {
	body := cancelRequest{
		CID:                 a.cid,
		TID:                 tid,
		CancelAmount:        amount,
		CancelTaxFreeAmount: 0,
	}

	var resp cancelResponse
	raw, err := a.post(ctx, "cancel", pathCancel, body, &resp)
	if err != nil {
		return nil, err
	}
	var cancelled int64
	if resp.CanceledAmount != nil {
		cancelled = resp.CanceledAmount.Total
	}
	return &paymentdomain.CancelResult{
		TID:             resp.TID,
		Status:          resp.Status,
		CancelledAmount: cancelled,
		Raw:             raw,
	}, nil
}

func (a *Adapter) Status(ctx context.Context, tid string) (*paymentdomain.StatusResult, error) {
	var resp orderResponse
	raw, err := a.post(ctx, "order", pathOrder, orderRequest{CID: a.cid, TID: tid}, &resp)
	if err != nil {
		return nil, err
	}
	result := &paymentdomain.StatusResult{
		TID:    resp.TID,
		Status: resp.Status,
		Method: strings.ToUpper(strings.TrimSpace(resp.PaymentMethodType)),
		Raw:    raw,
	}
	if resp.Amount != nil {
		result.Amount = resp.Amount.Total
	}
	if resp.CanceledAmount != nil {
		result.CancelledAmount = resp.CanceledAmount.Total
	}
	return result, nil
}

// Verify checks the hex HMAC-SHA256 of the body. Without a configured
// secret every payload is accepted.
func (a *Adapter) Verify(_ context.Context, payload []byte, headers http.Header) error {
	if a.webhookSecret == "" {
		return nil
	}
	signature := strings.TrimSpace(headers.Get(SignatureHeader))
	if signature == "" {
		return paymentdomain.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(Sign(a.webhookSecret, payload))) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(_ context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	eventType := strings.ToUpper(strings.TrimSpace(event.Type))
	switch eventType {
	case paymentdomain.EventTypePaymentCanceled, paymentdomain.EventTypePaymentStatusChanged:
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	tid := strings.TrimSpace(event.TID)
	if tid == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	eventID := strings.TrimSpace(event.EventID)
	if eventID == "" {
		eventID = strings.TrimSpace(event.ID)
	}
	if eventID == "" {
		eventID = fmt.Sprintf("%s:%s:%s", tid, eventType, strings.TrimSpace(event.Status))
	}

	var amount int64
	if event.Amount != nil {
		amount = event.Amount.Total
	}
	return &paymentdomain.PaymentEvent{
		Provider:        ProviderName,
		ProviderEventID: eventID,
		Type:            eventType,
		TID:             tid,
		PartnerOrderID:  strings.TrimSpace(event.PartnerOrderID),
		Status:          strings.TrimSpace(event.Status),
		Amount:          amount,
		OccurredAt:      parseTime(event.OccurredAt),
		RawPayload:      payload,
	}, nil
}

// Sign returns the webhook signature for payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) post(ctx context.Context, op, path string, body any, out any) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "SECRET_KEY "+a.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &paymentdomain.GatewayError{
			Provider: ProviderName,
			Op:       op,
			Message:  "payment provider unreachable",
			Err:      err,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, a.malformed(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gwErr := &paymentdomain.GatewayError{
			Provider: ProviderName,
			Op:       op,
			Status:   resp.StatusCode,
			Message:  http.StatusText(resp.StatusCode),
		}
		var apiErr errorResponse
		if json.Unmarshal(raw, &apiErr) == nil {
			if apiErr.ErrorCode != 0 {
				gwErr.Code = strconv.Itoa(apiErr.ErrorCode)
			}
			if msg := apiErr.message(); msg != "" {
				gwErr.Message = msg
			}
		}
		return nil, gwErr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return nil, a.malformed(op, err)
	}
	return raw, nil
}

func (a *Adapter) malformed(op string, err error) error {
	return &paymentdomain.GatewayError{
		Provider: ProviderName,
		Op:       op,
		Message:  "malformed provider response",
		Err:      err,
	}
}

func partnerUserID(payer paymentdomain.Payer) string {
	if payer.AccountID > 0 {
		return strconv.FormatInt(payer.AccountID, 10)
	}
	if local, _, ok := strings.Cut(strings.TrimSpace(payer.Email), "@"); ok && local != "" {
		return local
	}
	return "guest"
}

// parseTime accepts RFC3339 and the provider's zone-less KST timestamps.
func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC()
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", value, kst); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

type readyRequest struct {
	CID            string `json:"cid"`
	PartnerOrderID string `json:"partner_order_id"`
	PartnerUserID  string `json:"partner_user_id"`
	ItemName       string `json:"item_name"`
	Quantity       int    `json:"quantity"`
	TotalAmount    int64  `json:"total_amount"`
	TaxFreeAmount  int64  `json:"tax_free_amount"`
	ApprovalURL    string `json:"approval_url"`
	CancelURL      string `json:"cancel_url"`
	FailURL        string `json:"fail_url"`
}

type readyResponse struct {
	TID                   string `json:"tid"`
	NextRedirectPCURL     string `json:"next_redirect_pc_url"`
	NextRedirectMobileURL string `json:"next_redirect_mobile_url"`
	NextRedirectAppURL    string `json:"next_redirect_app_url"`
	CreatedAt             string `json:"created_at"`
}

type approveRequest struct {
	CID            string `json:"cid"`
	TID            string `json:"tid"`
	PartnerOrderID string `json:"partner_order_id"`
	PartnerUserID  string `json:"partner_user_id"`
	PGToken        string `json:"pg_token"`
}

type amount struct {
	Total int64 `json:"total"`
}

type approveResponse struct {
	AID               string  `json:"aid"`
	TID               string  `json:"tid"`
	PaymentMethodType string  `json:"payment_method_type"`
	Amount            *amount `json:"amount"`
	ApprovedAt        string  `json:"approved_at"`
}

type cancelRequest struct {
	CID                 string `json:"cid"`
	TID                 string `json:"tid"`
	CancelAmount        int64  `json:"cancel_amount"`
	CancelTaxFreeAmount int64  `json:"cancel_tax_free_amount"`
}

type cancelResponse struct {
	TID            string  `json:"tid"`
	Status         string  `json:"status"`
	CanceledAmount *amount `json:"canceled_amount"`
}

type orderRequest struct {
	CID string `json:"cid"`
	TID string `json:"tid"`
}

type orderResponse struct {
	TID               string  `json:"tid"`
	Status            string  `json:"status"`
	PaymentMethodType string  `json:"payment_method_type"`
	Amount            *amount `json:"amount"`
	CanceledAmount    *amount `json:"canceled_amount"`
}

type errorResponse struct {
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Extras       struct {
		MethodResultCode    string `json:"method_result_code"`
		MethodResultMessage string `json:"method_result_message"`
	} `json:"extras"`
}

func (e errorResponse) message() string {
	if msg := strings.TrimSpace(e.Extras.MethodResultMessage); msg != "" {
		return msg
	}
	return strings.TrimSpace(e.ErrorMessage)
}

type webhookEvent struct {
	ID             string  `json:"id"`
	EventID        string  `json:"event_id"`
	Type           string  `json:"type"`
	TID            string  `json:"tid"`
	PartnerOrderID string  `json:"partner_order_id"`
	Status         string  `json:"status"`
	Amount         *amount `json:"amount"`
	OccurredAt     string  `json:"occurred_at"`
}
