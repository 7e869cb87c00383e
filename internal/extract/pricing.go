package extract

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dfarias/inspectflow/pkg/models"
)

var millionTokens = decimal.NewFromInt(1_000_000)

// Pricing converts token usage into money. Prices are per million tokens in
// USD; BRL amounts come from a fixed exchange rate so a day's jobs are
// comparable regardless of when they ran.
type Pricing struct {
	inputPerMTok  decimal.Decimal
	outputPerMTok decimal.Decimal
	usdToBRL      decimal.Decimal
}

// Cost is the money attributed to one extraction call.
type Cost struct {
	InputUSD  float64
	OutputUSD float64
	InputBRL  float64
	OutputBRL float64
}

// NewPricing parses the configured decimal strings. Float arithmetic is not
// used for the intermediate math; only the final per-job figures round to
// float for storage.
func NewPricing(inputPerMTokUSD, outputPerMTokUSD, exchangeRateUSDBRL string) (*Pricing, error) {
	in, err := decimal.NewFromString(inputPerMTokUSD)
	if err != nil {
		return nil, fmt.Errorf("parse input price %q: %w", inputPerMTokUSD, err)
	}
	out, err := decimal.NewFromString(outputPerMTokUSD)
	if err != nil {
		return nil, fmt.Errorf("parse output price %q: %w", outputPerMTokUSD, err)
	}
	rate, err := decimal.NewFromString(exchangeRateUSDBRL)
	if err != nil {
		return nil, fmt.Errorf("parse exchange rate %q: %w", exchangeRateUSDBRL, err)
	}
	return &Pricing{inputPerMTok: in, outputPerMTok: out, usdToBRL: rate}, nil
}

// Cost prices the given usage.
func (p *Pricing) Cost(u models.Usage) Cost {
	inUSD := decimal.NewFromInt(int64(u.PromptTokens)).Mul(p.inputPerMTok).Div(millionTokens)
	outUSD := decimal.NewFromInt(int64(u.CompletionTokens)).Mul(p.outputPerMTok).Div(millionTokens)
	return Cost{
		InputUSD:  inUSD.InexactFloat64(),
		OutputUSD: outUSD.InexactFloat64(),
		InputBRL:  inUSD.Mul(p.usdToBRL).InexactFloat64(),
		OutputBRL: outUSD.Mul(p.usdToBRL).InexactFloat64(),
	}
}
