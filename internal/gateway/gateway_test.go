package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallet-ledger/internal/config"
	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/logging"
)

func testConfig(url string) config.GatewayConfig {
	return config.GatewayConfig{
		PaymentsURL: url,
		BillsURL:    url,
		APIKey:      "key",
		Timeout:     time.Second,
		MaxRetries:  2,
	}
}

func TestPaymentClientRetriesServerErrors(t *testing.T) {
	var calls int32
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "key", r.Header.Get("X-API-Key"))
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var body settleRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "25.00", body.Amount)
		assert.Equal(t, "card", body.Method)
		_ = json.NewEncoder(w).Encode(outcome{Status: statusSuccess})
	}))
	defer srv.Close()

	client := NewPaymentClient(testConfig(srv.URL), logging.Discard())
	err := client.SettlePayment(context.Background(), "topup-key-1", decimal.NewFromInt(25), domain.MethodCard)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, []string{"topup-key-1", "topup-key-1"}, keys)
}

func TestClientGeneratesRequestIDWhenNoneGiven(t *testing.T) {
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		_ = json.NewEncoder(w).Encode(outcome{Status: statusSuccess})
	}))
	defer srv.Close()

	client := NewBillerClient(testConfig(srv.URL), logging.Discard())
	require.NoError(t, client.PayBill(context.Background(), "", domain.BillAirtime, "08012345678", decimal.NewFromInt(5)))
	assert.NotEmpty(t, key)
}

func TestBillerClientSendsRequestID(t *testing.T) {
	var key string
	var body billRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(outcome{Status: statusSuccess})
	}))
	defer srv.Close()

	client := NewBillerClient(testConfig(srv.URL), logging.Discard())
	err := client.PayBill(context.Background(), "TXN-20260101000000-ABCDEF", domain.BillElectricity, "45012345678", decimal.NewFromInt(40))
	require.NoError(t, err)
	assert.Equal(t, "TXN-20260101000000-ABCDEF", key)
	assert.Equal(t, "45012345678", body.Reference)
	assert.Equal(t, "40.00", body.Amount)
}

func TestPaymentClientDeclineIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(outcome{Status: "failed", Message: "card declined"})
	}))
	defer srv.Close()

	client := NewPaymentClient(testConfig(srv.URL), logging.Discard())
	err := client.SettlePayment(context.Background(), "topup-key-2", decimal.NewFromInt(25), domain.MethodCard)

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "card declined", rejected.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBillerClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewBillerClient(testConfig(srv.URL), logging.Discard())
	err := client.PayBill(context.Background(), "bill-key", domain.BillAirtime, "08012345678", decimal.NewFromInt(5))
	assert.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestStub(t *testing.T) {
	stub := NewStub()
	ctx := context.Background()
	assert.NoError(t, stub.SettlePayment(ctx, "a", decimal.NewFromInt(1), domain.MethodCard))

	stub.FailWith(assert.AnError)
	assert.ErrorIs(t, stub.PayBill(ctx, "b", domain.BillData, "080", decimal.NewFromInt(1)), assert.AnError)
	assert.Equal(t, 2, stub.Calls())
	assert.Equal(t, []string{"a", "b"}, stub.RequestIDs())
}

func TestFactoriesFallBackToStub(t *testing.T) {
	_, isStub := NewPaymentGateway(config.GatewayConfig{}, logging.Discard()).(*Stub)
	assert.True(t, isStub)
	_, isClient := NewBiller(testConfig("http://biller.local"), logging.Discard()).(*BillerClient)
	assert.True(t, isClient)
}
