// Package devpay is an auto-approving gateway for local development. The
// order id and amount travel inside the tid so approvals need no state.
package devpay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/fortunepay/internal/payment/domain"
)

const (
	ProviderName = "dev"
	DevPGToken   = "dev"

	tidPrefix = "DEV"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return ProviderName
}

func (f *Factory) NewGateway(paymentdomain.GatewayConfig) (paymentdomain.Gateway, error) {
	return &Adapter{now: time.Now}, nil
}

type Adapter struct {
	now func() time.Time
}

func (a *Adapter) Provider() string {
	return ProviderName
}

// Ready skips the provider page and points the buyer straight at the
// approval callback.
func (a *Adapter) Ready(_ context.Context, req paymentdomain.ReadyRequest) (*paymentdomain.ReadyResult, error) {
	tid := fmt.Sprintf("%s-%s-%d", tidPrefix, req.OrderID.String(), req.Amount)
	redirect, err := withPGToken(req.ApprovalURL)
	if err != nil {
		return nil, &paymentdomain.GatewayError{Provider: ProviderName, Op: "ready", Message: "invalid approval url", Err: err}
	}
	return &paymentdomain.ReadyResult{
		TID:            tid,
		RedirectPC:     redirect,
		RedirectMobile: redirect,
		CreatedAt:      a.now().UTC(),
	}, nil
}

func (a *Adapter) Approve(_ context.Context, req paymentdomain.ApproveRequest) (*paymentdomain.ApproveResult, error) {
	amount, err := amountFromTID(req.TID)
	if err != nil {
		return nil, &paymentdomain.GatewayError{Provider: ProviderName, Op: "approve", Message: "unknown tid", Err: err}
	}
	return &paymentdomain.ApproveResult{
		TID:        req.TID,
		Amount:     amount,
		Method:     paymentdomain.MethodCard,
		ApprovedAt: a.now().UTC(),
		Raw:        []byte(fmt.Sprintf(`{"tid":%q,"amount":{"total":%d},"payment_method_type":"CARD"}`, req.TID, amount)),
	}, nil
}

func (a *Adapter) Cancel(_ context.Context, tid string, amount int64) (*paymentdomain.CancelResult, error) {
	return &paymentdomain.CancelResult{TID: tid, Status: "CANCEL_PAYMENT", CancelledAmount: amount}, nil
}

func (a *Adapter) Status(_ context.Context, tid string) (*paymentdomain.StatusResult, error) {
	amount, err := amountFromTID(tid)
	if err != nil {
		return nil, &paymentdomain.GatewayError{Provider: ProviderName, Op: "order", Message: "unknown tid", Err: err}
	}
	return &paymentdomain.StatusResult{TID: tid, Status: "SUCCESS_PAYMENT", Method: paymentdomain.MethodCard, Amount: amount}, nil
}

func (a *Adapter) Verify(context.Context, []byte, http.Header) error {
	return nil
}

func (a *Adapter) Parse(context.Context, []byte) (*paymentdomain.PaymentEvent, error) {
	return nil, paymentdomain.ErrEventIgnored
}

func withPGToken(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("pg_token", DevPGToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func amountFromTID(tid string) (int64, error) {
	parts := strings.Split(tid, "-")
	if len(parts) != 3 || parts[0] != tidPrefix {
		return 0, fmt.Errorf("malformed dev tid %q", tid)
	}
	return strconv.ParseInt(parts[2], 10, 64)
}
