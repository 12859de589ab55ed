package currency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bank-settlement/pkg/logging"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrRateUnavailable is returned when no exchange rate could be obtained.
// A conversion never falls back to a rate of 1.
var ErrRateUnavailable = errors.New("exchange rate unavailable")

// RateError names the currency pair whose rate could not be obtained.
type RateError struct {
	From string
	To   string
	Err  error
}

func (e *RateError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rate %s->%s: %s", e.From, e.To, ErrRateUnavailable)
	}
	return fmt.Sprintf("rate %s->%s: %s: %v", e.From, e.To, ErrRateUnavailable, e.Err)
}

func (e *RateError) Unwrap() error {
	return e.Err
}

// Is makes every RateError match ErrRateUnavailable.
func (e *RateError) Is(target error) bool {
	return target == ErrRateUnavailable
}

// RateSource returns how many units of to one unit of from buys.
type RateSource interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// Converter converts integer minor-unit amounts between currencies.
type Converter struct {
	source RateSource
	logger *logging.Logger
}

// NewConverter creates a converter backed by source.
func NewConverter(source RateSource, logger *logging.Logger) *Converter {
	return &Converter{
		source: source,
		logger: logging.OrNop(logger).Named("currency"),
	}
}

// Convert returns amount expressed in to, rounded half up to a whole minor unit.
// Equal currencies return amount unchanged without consulting the rate source.
func (c *Converter) Convert(ctx context.Context, amount int64, from, to string) (int64, error) {
	from = normalize(from)
	to = normalize(to)
	if from == to {
		return amount, nil
	}

	rate, err := c.source.Rate(ctx, from, to)
	if err != nil {
		var rateErr *RateError
		if errors.As(err, &rateErr) {
			return 0, err
		}
		return 0, &RateError{From: from, To: to, Err: err}
	}
	if !rate.IsPositive() {
		return 0, &RateError{From: from, To: to, Err: fmt.Errorf("non-positive rate %s", rate)}
	}

	converted := decimal.NewFromInt(amount).Mul(rate).Round(0).IntPart()

	c.logger.Debug("converted amount",
		zap.Int64("amount", amount),
		zap.String("from", from),
		zap.String("to", to),
		zap.String("rate", rate.String()),
		zap.Int64("converted", converted),
	)
	return converted, nil
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// StaticRates is a fixed rate table keyed "FROM:TO".
type StaticRates map[string]decimal.Decimal

func (s StaticRates) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	rate, ok := s[normalize(from)+":"+normalize(to)]
	if !ok {
		return decimal.Zero, &RateError{From: from, To: to}
	}
	return rate, nil
}
