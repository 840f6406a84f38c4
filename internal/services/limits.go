package services

import (
	"context"
	"time"

	"ledger/internal/models"
	"ledger/internal/money"
	"ledger/internal/store"

	"github.com/shopspring/decimal"
)

type OutboundSummer interface {
	SumOutbound(ctx context.Context, tx store.Getter, accountID string, from, to time.Time) (decimal.Decimal, error)
}

// LimitValidator enforces per-transaction and calendar-day outbound limits.
type LimitValidator struct {
	sums     OutboundSummer
	location *time.Location
}

func NewLimitValidator(sums OutboundSummer, location *time.Location) *LimitValidator {
	if location == nil {
		location = time.UTC
	}
	return &LimitValidator{sums: sums, location: location}
}

// CheckSingle fails when amount exceeds the per-transaction limit. An unset
// limit means unlimited.
func CheckSingle(account models.Account, amount decimal.Decimal) error {
	if !account.PerTransactionLimit.Valid {
		return nil
	}
	if amount.GreaterThan(account.PerTransactionLimit.Decimal) {
		return fail(ErrLimitExceeded, "per-transaction limit %s exceeded by amount %s",
			money.Format(account.PerTransactionLimit.Decimal), money.Format(amount))
	}
	return nil
}

// CheckDaily sums the outbound movements from account that settled on the
// calendar day of asOf and fails when adding amount would pass the daily
// limit. tx must already hold the account row lock, otherwise two callers
// can both read a stale total.
func (v *LimitValidator) CheckDaily(ctx context.Context, tx store.Getter, account models.Account, amount decimal.Decimal, asOf time.Time) error {
	if !account.DailyLimit.Valid {
		return nil
	}
	start := v.StartOfDay(asOf)
	spent, err := v.sums.SumOutbound(ctx, tx, account.ID, start, start.AddDate(0, 0, 1))
	if err != nil {
		return err
	}
	if spent.Add(amount).GreaterThan(account.DailyLimit.Decimal) {
		return fail(ErrLimitExceeded, "daily limit %s exceeded: spent %s today, requested %s",
			money.Format(account.DailyLimit.Decimal), money.Format(spent), money.Format(amount))
	}
	return nil
}

func (v *LimitValidator) StartOfDay(t time.Time) time.Time {
	local := t.In(v.location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, v.location)
}
