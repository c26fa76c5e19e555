package domain

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"wallet-ledger/internal/errors"
)

type HistoryFilter struct {
	AccountID uuid.UUID
	Type      TransactionType
	Status    TransactionStatus
	Kind      TransactionKind
	From      *time.Time
	To        *time.Time
}

// Matches applies the filter to a single row.
func (f HistoryFilter) Matches(tx *Transaction) bool {
	if tx.AccountID != f.AccountID {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if f.Kind != "" && tx.Kind != f.Kind {
		return false
	}
	if f.From != nil && tx.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && tx.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

func (f HistoryFilter) Validate() error {
	if f.AccountID == uuid.Nil {
		return errors.ErrInvalidAccountID
	}
	if f.Type != "" && !f.Type.Valid() {
		return errors.NewAppErrorf(errors.InvalidInput, "invalid type %q", f.Type)
	}
	if f.Status != "" && !f.Status.Valid() {
		return errors.NewAppErrorf(errors.InvalidInput, "invalid status %q", f.Status)
	}
	if f.Kind != "" && !f.Kind.Valid() {
		return errors.NewAppErrorf(errors.InvalidInput, "invalid kind %q", f.Kind)
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return errors.NewAppError(errors.InvalidInput, "from must not be after to")
	}
	return nil
}

// Position is a point in the (created_at, reference) total order.
type Position struct {
	CreatedAt time.Time
	Reference string
}

// Before reports whether p sorts before (is older than) q.
func (p Position) Before(q Position) bool {
	if !p.CreatedAt.Equal(q.CreatedAt) {
		return p.CreatedAt.Before(q.CreatedAt)
	}
	return p.Reference < q.Reference
}

func PositionOf(tx *Transaction) Position {
	return Position{CreatedAt: tx.CreatedAt, Reference: tx.Reference}
}

// PageWindow selects a slice of the newest-first ordering. OlderThan and
// NewerThan are exclusive bounds; when NewerThan is set the rows returned
// are the Limit rows immediately newer than it, still newest first.
type PageWindow struct {
	Limit     int
	Offset    int
	OlderThan *Position
	NewerThan *Position
}

type CursorDirection string

const (
	CursorNext     CursorDirection = "next"
	CursorPrevious CursorDirection = "prev"
)

type Cursor struct {
	CreatedAt time.Time       `json:"t"`
	Reference string          `json:"r"`
	Direction CursorDirection `json:"d"`
}

func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func DecodeCursor(s string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.NewAppError(errors.InvalidInput, "malformed cursor").WithDetails(err.Error())
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, errors.NewAppError(errors.InvalidInput, "malformed cursor").WithDetails(err.Error())
	}
	if c.Reference == "" || (c.Direction != CursorNext && c.Direction != CursorPrevious) {
		return nil, errors.NewAppError(errors.InvalidInput, "malformed cursor")
	}
	return &c, nil
}

func (c Cursor) Position() Position {
	return Position{CreatedAt: c.CreatedAt, Reference: c.Reference}
}

type PageRequest struct {
	Page     int
	PageSize int
	Cursor   string
}

type HistoryPage struct {
	Items          []*Transaction `json:"items"`
	Total          int            `json:"total"`
	Page           int            `json:"page,omitempty"`
	PageSize       int            `json:"page_size"`
	NextCursor     string         `json:"next_cursor,omitempty"`
	PreviousCursor string         `json:"previous_cursor,omitempty"`
}
