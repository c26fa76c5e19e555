package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
	"wallet-ledger/internal/service"
)

type contextKey int

const (
	ownerKey contextKey = iota
	accountKey
	provenDeviceKey
)

const (
	headerDeviceChangeProof = "X-Device-Change-Token"
	deviceChangePurpose     = "device_change"
)

// DeviceChangeClaims is the proof the OTP service issues once the owner has
// confirmed a new device. It is signed with the same secret as bearer tokens.
type DeviceChangeClaims struct {
	Purpose  string `json:"purpose"`
	DeviceID string `json:"device_id"`
	jwt.StandardClaims
}

// Authenticator resolves the caller from a bearer token issued upstream.
// The token's subject is the owner ID.
type Authenticator struct {
	secret   []byte
	proofTTL time.Duration
	accounts *service.AccountService
	logger   *slog.Logger
}

func NewAuthenticator(secret string, proofTTL time.Duration, accounts *service.AccountService, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		secret:   []byte(secret),
		proofTTL: proofTTL,
		accounts: accounts,
		logger:   logger,
	}
}

func (a *Authenticator) parse(tokenString string, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

func (a *Authenticator) verify(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	tokenString := strings.TrimPrefix(header, "Bearer ")
	if header == "" || tokenString == header {
		return "", fmt.Errorf("missing bearer token")
	}

	claims := &jwt.StandardClaims{}
	if err := a.parse(tokenString, claims); err != nil {
		return "", err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// Owner requires a valid token and exposes its subject to next.
func (a *Authenticator) Owner(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, err := a.verify(r)
		if err != nil {
			a.logger.Warn("Rejected request", "path", r.URL.Path, "error", err)
			writeError(w, errors.ErrUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ownerKey, owner)))
	}
}

// Account is Owner plus the caller's wallet.
func (a *Authenticator) Account(next http.HandlerFunc) http.HandlerFunc {
	return a.Owner(func(w http.ResponseWriter, r *http.Request) {
		account, err := a.accounts.GetAccountByOwner(r.Context(), ownerFrom(r))
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), accountKey, account)))
	})
}

// verifyDeviceChange checks the OTP proof and returns the device it names.
// The proof must belong to owner, carry the device_change purpose and expire
// within the configured window.
func (a *Authenticator) verifyDeviceChange(r *http.Request, owner string) (string, error) {
	tokenString := r.Header.Get(headerDeviceChangeProof)
	if tokenString == "" {
		return "", fmt.Errorf("missing device change proof")
	}

	claims := &DeviceChangeClaims{}
	if err := a.parse(tokenString, claims); err != nil {
		return "", err
	}
	if claims.Purpose != deviceChangePurpose {
		return "", fmt.Errorf("proof purpose %q", claims.Purpose)
	}
	if claims.Subject != owner {
		return "", fmt.Errorf("proof issued for another owner")
	}
	if claims.ExpiresAt == 0 {
		return "", fmt.Errorf("proof has no expiry")
	}
	if time.Until(time.Unix(claims.ExpiresAt, 0)) > a.proofTTL {
		return "", fmt.Errorf("proof lifetime exceeds %s", a.proofTTL)
	}
	if strings.TrimSpace(claims.DeviceID) == "" {
		return "", fmt.Errorf("proof names no device")
	}
	return claims.DeviceID, nil
}

// DeviceChange is Account plus a verified OTP proof; next receives the proven
// device ID.
func (a *Authenticator) DeviceChange(next http.HandlerFunc) http.HandlerFunc {
	return a.Account(func(w http.ResponseWriter, r *http.Request) {
		deviceID, err := a.verifyDeviceChange(r, ownerFrom(r))
		if err != nil {
			a.logger.Warn("Rejected device change", "owner_id", ownerFrom(r), "error", err)
			writeError(w, errors.ErrDeviceChangeUnverified)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), provenDeviceKey, deviceID)))
	})
}

func provenDeviceFrom(r *http.Request) string {
	deviceID, _ := r.Context().Value(provenDeviceKey).(string)
	return deviceID
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey).(string)
	return owner
}

func accountFrom(r *http.Request) *domain.Account {
	account, _ := r.Context().Value(accountKey).(*domain.Account)
	return account
}
