package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"wallet-ledger/internal/config"
	"wallet-ledger/internal/domain"
)

type PaymentClient struct {
	c *client
}

var _ domain.PaymentGateway = (*PaymentClient)(nil)

func NewPaymentClient(cfg config.GatewayConfig, logger *slog.Logger) *PaymentClient {
	return &PaymentClient{c: newClient(cfg.PaymentsURL, cfg, logger)}
}

type settleRequest struct {
	Amount string `json:"amount"`
	Method string `json:"method"`
}

func (p *PaymentClient) SettlePayment(ctx context.Context, requestID string, amount decimal.Decimal, method domain.PaymentMethod) error {
	err := p.c.post(ctx, "/v1/payments/settle", requestID, settleRequest{
		Amount: amount.StringFixed(2),
		Method: string(method),
	})
	if err != nil {
		return fmt.Errorf("settle payment: %w", err)
	}
	return nil
}

type BillerClient struct {
	c *client
}

var _ domain.Biller = (*BillerClient)(nil)

func NewBillerClient(cfg config.GatewayConfig, logger *slog.Logger) *BillerClient {
	return &BillerClient{c: newClient(cfg.BillsURL, cfg, logger)}
}

type billRequest struct {
	BillType  string `json:"bill_type"`
	Reference string `json:"reference"`
	Amount    string `json:"amount"`
}

func (b *BillerClient) PayBill(ctx context.Context, requestID string, bill domain.BillType, billerReference string, amount decimal.Decimal) error {
	err := b.c.post(ctx, "/v1/bills/pay", requestID, billRequest{
		BillType:  string(bill),
		Reference: billerReference,
		Amount:    amount.StringFixed(2),
	})
	if err != nil {
		return fmt.Errorf("pay %s bill: %w", bill, err)
	}
	return nil
}

// Stub is an in-process collaborator used when no URL is configured and in
// tests. It approves everything unless told to fail.
type Stub struct {
	mu       sync.Mutex
	err      error
	requests []string
}

var (
	_ domain.PaymentGateway = (*Stub)(nil)
	_ domain.Biller         = (*Stub)(nil)
)

func NewStub() *Stub {
	return &Stub{}
}

// FailWith makes subsequent calls return err; nil restores approval.
func (s *Stub) FailWith(err error) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// RequestIDs lists the request IDs seen so far, in call order.
func (s *Stub) RequestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Stub) SettlePayment(ctx context.Context, requestID string, amount decimal.Decimal, method domain.PaymentMethod) error {
	return s.call(ctx, requestID)
}

func (s *Stub) PayBill(ctx context.Context, requestID string, bill domain.BillType, billerReference string, amount decimal.Decimal) error {
	return s.call(ctx, requestID)
}

func (s *Stub) call(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, requestID)
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.err
}

// NewPaymentGateway selects the HTTP client when a URL is configured.
func NewPaymentGateway(cfg config.GatewayConfig, logger *slog.Logger) domain.PaymentGateway {
	if cfg.PaymentsURL == "" {
		logger.Warn("No payment gateway URL configured, top-ups settle against the approving stub")
		return NewStub()
	}
	return NewPaymentClient(cfg, logger)
}

func NewBiller(cfg config.GatewayConfig, logger *slog.Logger) domain.Biller {
	if cfg.BillsURL == "" {
		logger.Warn("No biller URL configured, bill payments settle against the approving stub")
		return NewStub()
	}
	return NewBillerClient(cfg, logger)
}
