package domain

// Result is the outcome of one ledger operation as returned to the caller.
type Result struct {
	// Transaction is the initiating account's row (the debit leg of a transfer).
	Transaction *Transaction `json:"transaction"`
	// Counterpart is the credit leg of a completed transfer. It belongs to
	// the recipient and is never serialized for the initiator.
	Counterpart *Transaction `json:"-"`
	// Replayed is set when the outcome was served from a prior request with
	// the same idempotency key.
	Replayed bool `json:"-"`
}

// Settled lists every row the operation produced.
func (r *Result) Settled() []*Transaction {
	if r == nil || r.Transaction == nil {
		return nil
	}
	if r.Counterpart != nil {
		return []*Transaction{r.Transaction, r.Counterpart}
	}
	return []*Transaction{r.Transaction}
}
