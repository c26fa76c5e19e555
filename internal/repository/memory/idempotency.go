package memory

import (
	"context"
	"time"

	"wallet-ledger/internal/domain"
)

type idempotencyRepository struct {
	s *Store
}

func (r *idempotencyRepository) Claim(ctx context.Context, rec *domain.IdempotencyRecord) (bool, *domain.IdempotencyRecord, error) {
	st := r.s.st
	st.mu.Lock()
	defer st.mu.Unlock()

	if existing, ok := st.idem[rec.Key]; ok && !existing.Expired(rec.CreatedAt) {
		cp := *existing
		return false, &cp, nil
	}
	claimed := *rec
	claimed.Status = domain.IdempotencyInProgress
	claimed.ResultingReference = ""
	st.idem[rec.Key] = &claimed
	rec.Status = domain.IdempotencyInProgress
	return true, nil, nil
}

func (r *idempotencyRepository) Complete(ctx context.Context, key, reference string) error {
	if r.s.uow != nil {
		r.s.uow.completes[key] = reference
		return nil
	}
	st := r.s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if rec, ok := st.idem[key]; ok {
		rec.Status = domain.IdempotencyCompleted
		rec.ResultingReference = reference
	}
	return nil
}

func (r *idempotencyRepository) Release(ctx context.Context, key string) error {
	st := r.s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	if rec, ok := st.idem[key]; ok && rec.Status == domain.IdempotencyInProgress {
		delete(st.idem, key)
	}
	return nil
}

func (r *idempotencyRepository) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	st := r.s.st
	st.mu.RLock()
	rec, ok := st.idem[key]
	var cp domain.IdempotencyRecord
	if ok {
		cp = *rec
	}
	st.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if r.s.uow != nil {
		if ref, staged := r.s.uow.completes[key]; staged {
			cp.Status = domain.IdempotencyCompleted
			cp.ResultingReference = ref
		}
	}
	return &cp, nil
}

func (r *idempotencyRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	st := r.s.st
	st.mu.Lock()
	defer st.mu.Unlock()
	var n int64
	for key, rec := range st.idem {
		if rec.Expired(now) {
			delete(st.idem, key)
			n++
		}
	}
	return n, nil
}
