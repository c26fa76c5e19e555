package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"wallet-ledger/internal/errors"
)

const DateLayout = "2006-01-02"

// DateRange is an inclusive range of UTC calendar days.
type DateRange struct {
	From time.Time
	To   time.Time
}

func NewDateRange(from, to time.Time) (DateRange, error) {
	r := DateRange{From: truncateDay(from), To: truncateDay(to)}
	if r.From.After(r.To) {
		return DateRange{}, errors.NewAppError(errors.InvalidInput, "from must not be after to")
	}
	return r, nil
}

// Days is the number of calendar days covered.
func (r DateRange) Days() int {
	return int(r.To.Sub(r.From)/(24*time.Hour)) + 1
}

// End is the exclusive upper instant of the range.
func (r DateRange) End() time.Time {
	return r.To.AddDate(0, 0, 1)
}

func truncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

type DailySummary struct {
	Date              string          `json:"date"`
	CreditsTotal      decimal.Decimal `json:"credits_total"`
	DebitsTotal       decimal.Decimal `json:"debits_total"`
	Count             int             `json:"count"`
	TransfersSent     int             `json:"transfers_sent"`
	TransfersReceived int             `json:"transfers_received"`
	BillPayments      int             `json:"bill_payments"`
	TopUps            int             `json:"top_ups"`
}

type SummaryTotals struct {
	Credits decimal.Decimal `json:"credits_total"`
	Debits  decimal.Decimal `json:"debits_total"`
	Net     decimal.Decimal `json:"net"`
	Count   int             `json:"count"`
}

type Summary struct {
	From   string         `json:"from"`
	To     string         `json:"to"`
	PerDay []DailySummary `json:"per_day"`
	Totals SummaryTotals  `json:"totals"`
}
