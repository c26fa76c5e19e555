package service

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
)

var errClaimHeld = stderrors.New("idempotency claim held by another request")

// IdempotencyGuard deduplicates operations by key. The claim is an
// insert-if-absent on the key taken before execution; a racing duplicate
// polls until the winner's outcome is visible.
type IdempotencyGuard struct {
	store     domain.Store
	retention time.Duration
	wait      time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewIdempotencyGuard(store domain.Store, retention, wait time.Duration, logger *slog.Logger) *IdempotencyGuard {
	return &IdempotencyGuard{
		store:     store,
		retention: retention,
		wait:      wait,
		logger:    logger,
		now:       time.Now,
	}
}

// Lookup returns the stored outcome for key, or nil when the key has no
// completed record.
func (g *IdempotencyGuard) Lookup(ctx context.Context, key, fingerprint string) (*domain.Result, error) {
	rec, err := g.store.Idempotency().Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Expired(g.now()) {
		return nil, nil
	}
	if rec.Fingerprint != fingerprint {
		g.logger.Warn("Idempotency key reused for a different request", "idempotency_key", key)
		return nil, errors.ErrIdempotencyConflict
	}
	if rec.Status != domain.IdempotencyCompleted {
		return nil, nil
	}
	return g.Replay(ctx, rec)
}

// Claim takes ownership of key. It returns (nil, nil) when the caller now
// owns the key and must execute the operation; otherwise it returns the
// winner's replayed outcome, or ErrRequestInProgress when the winner did not
// finish within the wait window.
func (g *IdempotencyGuard) Claim(ctx context.Context, key, fingerprint string) (*domain.Result, error) {
	var (
		result *domain.Result
		opErr  error
	)

	attempt := func() error {
		now := g.now().UTC()
		rec := &domain.IdempotencyRecord{
			Key:         key,
			Fingerprint: fingerprint,
			CreatedAt:   now,
			ExpiresAt:   now.Add(g.retention),
		}
		won, existing, err := g.store.Idempotency().Claim(ctx, rec)
		switch {
		case err != nil:
			return backoff.Permanent(err)
		case won:
			return nil
		case existing == nil:
			// released between our insert and read; try again
			return errClaimHeld
		case existing.Fingerprint != fingerprint:
			return backoff.Permanent(errors.ErrIdempotencyConflict)
		case existing.Status == domain.IdempotencyCompleted:
			result, opErr = g.Replay(ctx, existing)
			return nil
		}
		return errClaimHeld
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = g.wait

	if err := backoff.Retry(attempt, backoff.WithContext(b, ctx)); err != nil {
		if err == errClaimHeld {
			g.logger.Warn("Idempotent request still in progress", "idempotency_key", key)
			return nil, errors.ErrRequestInProgress
		}
		if ctx.Err() != nil {
			return nil, errors.ErrRequestInProgress.WithDetails(ctx.Err().Error())
		}
		return nil, err
	}
	return result, opErr
}

// Release drops an in-progress claim after an aborted execution so the
// caller can retry with the same key.
func (g *IdempotencyGuard) Release(ctx context.Context, key string) {
	if err := g.store.Idempotency().Release(context.WithoutCancel(ctx), key); err != nil {
		g.logger.Error("Failed to release idempotency key", "idempotency_key", key, "error", err)
	}
}

// Replay rebuilds the outcome a completed key points at. Failed business
// outcomes replay with the same error the first response carried.
func (g *IdempotencyGuard) Replay(ctx context.Context, rec *domain.IdempotencyRecord) (*domain.Result, error) {
	txn, err := g.store.Transactions().GetTransaction(ctx, rec.ResultingReference)
	if err != nil {
		return nil, err
	}

	result := &domain.Result{Transaction: txn, Replayed: true}
	if txn.TransferGroupID != nil && txn.Status == domain.StatusCompleted {
		legs, err := g.store.Transactions().GetTransactionsByGroup(ctx, *txn.TransferGroupID)
		if err != nil {
			return nil, err
		}
		for _, leg := range legs {
			if leg.Reference != txn.Reference {
				result.Counterpart = leg
			}
		}
	}

	g.logger.Info("Returning stored outcome for idempotency key",
		"idempotency_key", rec.Key,
		"reference", txn.Reference,
		"status", txn.Status)
	return result, outcomeError(txn)
}

// outcomeError is the error a settled row was reported with.
func outcomeError(txn *domain.Transaction) error {
	if txn.Status != domain.StatusFailed {
		return nil
	}
	switch errors.ErrorCode(txn.FailureCode) {
	case errors.GatewayFailure, errors.BillerFailure:
		return nil
	}
	return errors.FromCode(txn.FailureCode)
}
