package domain

import "context"

// Store groups the repositories behind one unit-of-work boundary.
type Store interface {
	Accounts() AccountRepository
	Transactions() TransactionRepository
	Idempotency() IdempotencyRepository
	Beneficiaries() BeneficiaryRepository
	// WithTransaction runs fn against a store bound to a single unit of
	// work: every write made through it commits together or not at all.
	// Calling it on a store already bound to a unit of work reuses it.
	WithTransaction(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
}
