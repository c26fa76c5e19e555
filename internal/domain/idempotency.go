package domain

import (
	"context"
	"time"
)

type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyCompleted  IdempotencyStatus = "completed"
)

type IdempotencyRecord struct {
	Key                string            `json:"key"`
	Fingerprint        string            `json:"fingerprint"`
	Status             IdempotencyStatus `json:"status"`
	ResultingReference string            `json:"resulting_reference,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	ExpiresAt          time.Time         `json:"expires_at"`
}

func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

type IdempotencyRepository interface {
	// Claim inserts rec if no live record holds rec.Key. It reports whether
	// the caller won the claim and, if not, the record that holds the key.
	// An expired record is replaced.
	Claim(ctx context.Context, rec *IdempotencyRecord) (bool, *IdempotencyRecord, error)
	// Complete attaches the outcome reference to a claimed key.
	Complete(ctx context.Context, key, reference string) error
	// Release drops an in-progress claim so the key can be retried.
	Release(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
