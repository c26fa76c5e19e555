package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/crypto/bcrypt"

	"wallet-ledger/internal/config"
	"wallet-ledger/internal/server"
)

const integrationSecret = "integration-secret"

type IntegrationTestSuite struct {
	suite.Suite
	postgresContainer testcontainers.Container
	serverInstance    *server.Server
	baseURL           string
	client            *http.Client

	aliceID string
	bobID   string
}

func (suite *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	containerReq := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "wallet_ledger",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(30 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: containerReq,
		Started:          true,
	})
	if err != nil {
		suite.T().Fatalf("Failed to start postgres container: %s", err)
	}
	suite.postgresContainer = postgresContainer

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		suite.T().Fatalf("Failed to get container host: %s", err)
	}
	mappedPort, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		suite.T().Fatalf("Failed to get mapped port: %s", err)
	}

	cfg := config.Default()
	cfg.Server.Port = "0" // Let OS choose a free port
	cfg.Database.Host = host
	cfg.Database.Port = mappedPort.Port()
	cfg.Database.User = "postgres"
	cfg.Database.Password = "password"
	cfg.Database.Name = "wallet_ledger"
	cfg.Database.AutoMigrate = true
	cfg.Security.JWTSecret = integrationSecret
	cfg.Security.BcryptCost = bcrypt.MinCost

	serverInstance, port, err := server.StartServer(cfg)
	if err != nil {
		suite.T().Fatalf("Failed to start application server: %s", err)
	}
	suite.serverInstance = serverInstance
	suite.baseURL = "http://localhost:" + port
	suite.client = &http.Client{Timeout: 30 * time.Second}

	if err := suite.waitForServerReady(); err != nil {
		suite.T().Fatal(err)
	}
}

func (suite *IntegrationTestSuite) waitForServerReady() error {
	timeout := 30 * time.Second
	start := time.Now()

	for time.Since(start) < timeout {
		resp, err := http.Get(suite.baseURL + "/health")
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return nil
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server not ready after %v", timeout)
}

func (suite *IntegrationTestSuite) TearDownSuite() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if suite.serverInstance != nil {
		suite.serverInstance.Stop(ctx)
	}
	if suite.postgresContainer != nil {
		suite.postgresContainer.Terminate(ctx)
	}
}

type apiResponse struct {
	status int
	header http.Header
	data   map[string]interface{}
	errMap map[string]interface{}
	raw    string
}

func (suite *IntegrationTestSuite) call(method, path, owner string, body interface{}, headers map[string]string) apiResponse {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, suite.baseURL+path, reader)
	suite.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{
			Subject:   owner,
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		}).SignedString([]byte(integrationSecret))
		suite.Require().NoError(err)
		req.Header.Set("Authorization", "Bearer "+signed)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := suite.client.Do(req)
	suite.Require().NoError(err)
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	out := apiResponse{status: resp.StatusCode, header: resp.Header, raw: string(respBody)}
	var envelope struct {
		Data  map[string]interface{} `json:"data"`
		Error map[string]interface{} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		suite.T().Logf("Failed to parse response: %s", respBody)
	}
	out.data, out.errMap = envelope.Data, envelope.Error
	return out
}

func device(owner string) map[string]string {
	return map[string]string{"X-Device-ID": owner + "-phone"}
}

func (suite *IntegrationTestSuite) transfer(from, toID, amount, key string) apiResponse {
	headers := device(from)
	if key != "" {
		headers["Idempotency-Key"] = key
	}
	return suite.call("POST", "/transfers", from, map[string]string{
		"destination_account_id": toID,
		"amount":                 amount,
		"pin":                    "1234",
	}, headers)
}

func (suite *IntegrationTestSuite) assertBalance(owner, expected string) {
	resp := suite.call("GET", "/accounts/me", owner, nil, nil)
	suite.Require().Equal(http.StatusOK, resp.status, resp.raw)
	actual := resp.data["balance"].(string)
	assert.True(suite.T(), decimal.RequireFromString(expected).Equal(decimal.RequireFromString(actual)),
		"Decimal values not equal: expected %s, got %s", expected, actual)
}

func (suite *IntegrationTestSuite) assertErrorCode(resp apiResponse, status int, code string) {
	assert.Equal(suite.T(), status, resp.status, resp.raw)
	if assert.NotNil(suite.T(), resp.errMap, "Response should have 'error' field") {
		assert.Equal(suite.T(), code, resp.errMap["code"])
	}
}

// ------------------------------------------------------------------
// Steps run in the order TestFlow invokes them.
// ------------------------------------------------------------------

func (suite *IntegrationTestSuite) stepHealthCheck() {
	resp := suite.call("GET", "/health", "", nil, nil)
	assert.Equal(suite.T(), http.StatusOK, resp.status)
}

func (suite *IntegrationTestSuite) stepOnboard() {
	for _, owner := range []string{"alice", "bob"} {
		resp := suite.call("POST", "/accounts", owner, map[string]string{"currency": "USD"}, nil)
		suite.Require().Equal(http.StatusCreated, resp.status, resp.raw)
		if owner == "alice" {
			suite.aliceID = resp.data["account_id"].(string)
		} else {
			suite.bobID = resp.data["account_id"].(string)
		}

		resp = suite.call("POST", "/auth/device/login", owner, nil, device(owner))
		suite.Require().Equal(http.StatusOK, resp.status, resp.raw)
		assert.Equal(suite.T(), true, resp.data["newly_bound"])

		resp = suite.call("POST", "/pin", owner, map[string]string{"pin": "1234", "confirm_pin": "1234"}, nil)
		suite.Require().Equal(http.StatusCreated, resp.status, resp.raw)
	}

	resp := suite.call("POST", "/accounts", "alice", nil, nil)
	suite.assertErrorCode(resp, http.StatusConflict, "duplicate_account")
}

func (suite *IntegrationTestSuite) stepTopUp() {
	resp := suite.call("POST", "/top-ups", "alice", map[string]string{"amount": "1000.00", "method": "card"}, device("alice"))
	suite.Require().Equal(http.StatusCreated, resp.status, resp.raw)
	suite.assertBalance("alice", "1000.00")
}

func (suite *IntegrationTestSuite) stepSuccessfulTransfer() {
	resp := suite.transfer("alice", suite.bobID, "50.00", "")
	suite.Require().Equal(http.StatusCreated, resp.status, resp.raw)

	txn := resp.data["transaction"].(map[string]interface{})
	assert.Equal(suite.T(), "completed", txn["status"])
	assert.Regexp(suite.T(), `^TXN-\d{14}-[0-9A-F]{6}$`, txn["reference"])
	assert.NotEmpty(suite.T(), resp.data["counterpart_reference"])
	assert.NotContains(suite.T(), resp.data, "counterpart")

	suite.assertBalance("alice", "950.00")
	suite.assertBalance("bob", "50.00")
}

func (suite *IntegrationTestSuite) stepIdempotentTransfer() {
	key := uuid.New().String()

	first := suite.transfer("alice", suite.bobID, "100.00", key)
	suite.Require().Equal(http.StatusCreated, first.status, first.raw)
	second := suite.transfer("alice", suite.bobID, "100.00", key)
	suite.Require().Equal(http.StatusCreated, second.status, second.raw)
	assert.Equal(suite.T(), "true", second.header.Get("X-Idempotent-Replay"))

	firstRef := first.data["transaction"].(map[string]interface{})["reference"]
	secondRef := second.data["transaction"].(map[string]interface{})["reference"]
	assert.Equal(suite.T(), firstRef, secondRef)
	assert.Equal(suite.T(), first.data["counterpart_reference"], second.data["counterpart_reference"])
	suite.assertBalance("alice", "850.00")

	conflict := suite.transfer("alice", suite.bobID, "101.00", key)
	suite.assertErrorCode(conflict, http.StatusConflict, "idempotency_conflict")
}

func (suite *IntegrationTestSuite) stepConcurrentTransfers() {
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			suite.transfer("alice", suite.bobID, "5.00", "")
		}()
		go func() {
			defer wg.Done()
			suite.transfer("bob", suite.aliceID, "1.00", "")
		}()
	}
	wg.Wait()

	// 850 - 50 + 10, 150 + 50 - 10
	suite.assertBalance("alice", "810.00")
	suite.assertBalance("bob", "190.00")
}

func (suite *IntegrationTestSuite) stepInsufficientBalance() {
	resp := suite.transfer("alice", suite.bobID, "10000.00", "")
	suite.assertErrorCode(resp, http.StatusUnprocessableEntity, "insufficient_funds")
	txn := resp.data["transaction"].(map[string]interface{})
	assert.Equal(suite.T(), "failed", txn["status"])

	list := suite.call("GET", "/transactions?status=failed", "alice", nil, nil)
	suite.Require().Equal(http.StatusOK, list.status, list.raw)
	assert.Equal(suite.T(), float64(1), list.data["total"])
	suite.assertBalance("alice", "810.00")
}

func (suite *IntegrationTestSuite) stepInvalidRequests() {
	suite.assertErrorCode(suite.transfer("alice", suite.aliceID, "1.00", ""), http.StatusBadRequest, "same_account_transfer")
	suite.assertErrorCode(suite.transfer("alice", suite.bobID, "-1.00", ""), http.StatusBadRequest, "invalid_amount")
	suite.assertErrorCode(suite.transfer("alice", suite.bobID, "0.00", ""), http.StatusBadRequest, "invalid_amount")
	suite.assertErrorCode(suite.transfer("alice", uuid.New().String(), "1.00", ""), http.StatusNotFound, "account_not_found")

	resp := suite.call("POST", "/transfers", "alice", map[string]string{
		"destination_account_id": suite.bobID, "amount": "1.00", "pin": "1234",
	}, map[string]string{"X-Device-ID": "unknown"})
	suite.assertErrorCode(resp, http.StatusForbidden, "device_mismatch")
}

func (suite *IntegrationTestSuite) stepBillPayment() {
	resp := suite.call("POST", "/bill-payments", "bob", map[string]string{
		"bill_type":    "electricity",
		"amount":       "40.00",
		"meter_number": "45012345678",
		"pin":          "1234",
	}, device("bob"))
	suite.Require().Equal(http.StatusCreated, resp.status, resp.raw)
	suite.assertBalance("bob", "150.00")
}

func (suite *IntegrationTestSuite) stepHistoryAndSummary() {
	first := suite.call("GET", "/transactions?page_size=5", "alice", nil, nil)
	suite.Require().Equal(http.StatusOK, first.status, first.raw)
	assert.Len(suite.T(), first.data["items"], 5)
	cursor, _ := first.data["next_cursor"].(string)
	suite.Require().NotEmpty(cursor)

	next := suite.call("GET", "/transactions?page_size=5&cursor="+cursor, "alice", nil, nil)
	suite.Require().Equal(http.StatusOK, next.status, next.raw)
	assert.NotEmpty(suite.T(), next.data["items"])

	summary := suite.call("GET", "/analytics/summary?days=7", "alice", nil, nil)
	suite.Require().Equal(http.StatusOK, summary.status, summary.raw)
	assert.Len(suite.T(), summary.data["per_day"], 7)
	totals := summary.data["totals"].(map[string]interface{})
	net := decimal.RequireFromString(totals["net"].(string))
	assert.True(suite.T(), net.Equal(decimal.NewFromInt(810)), "net flow %s", net)
}

func (suite *IntegrationTestSuite) TestFlow() {
	if testing.Short() {
		suite.T().Skip("Skipping integration test in short mode")
	}

	suite.stepHealthCheck()
	suite.stepOnboard()
	suite.stepTopUp()
	suite.stepSuccessfulTransfer()
	suite.stepIdempotentTransfer()
	suite.stepConcurrentTransfers()
	suite.stepInsufficientBalance()
	suite.stepInvalidRequests()
	suite.stepBillPayment()
	suite.stepHistoryAndSummary()
}

func TestIntegrationTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	suite.Run(t, new(IntegrationTestSuite))
}
