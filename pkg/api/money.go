package api

import (
	"fmt"
	"math"
)

type (
	// Money is a monetary amount in micro-units of the platform currency.
	// Costs from agent invocations are tiny fractions of a unit, so the
	// micro resolution keeps aggregation exact
	Money int64

	// TokenUsage tracks token consumption reported by an agent invocation
	TokenUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
)

const microsPerUnit = 1_000_000

// MoneyFromFloat converts a floating point amount to Money, rounding to the
// nearest micro-unit
func MoneyFromFloat(v float64) Money {
	return Money(math.Round(v * microsPerUnit))
}

// Float64 returns the amount as a floating point number of units
func (m Money) Float64() float64 {
	return float64(m) / microsPerUnit
}

// Add returns the sum of two amounts
func (m Money) Add(other Money) Money {
	return m + other
}

// String renders the amount with six decimal places
func (m Money) String() string {
	return fmt.Sprintf("%.6f", m.Float64())
}

// Add accumulates another usage record into this one
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}
