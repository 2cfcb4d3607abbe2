// Package domain implements the weighted fraud-scoring heuristic.
package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Rule penalties and score bounds.
const (
	AmountPenalty            = 100
	VelocityPenalty          = 30
	SuspiciousPatternPenalty = 50
	UnusualHourPenalty       = 20

	MaxScore = 100
	// ApprovalThreshold is the first rejected score.
	ApprovalThreshold = 50
)

// Rule reasons.
const (
	ReasonAmountThreshold   = "amount above threshold"
	ReasonVelocity          = "too many transactions from source account"
	ReasonSuspiciousPattern = "source and target accounts are the same"
	ReasonUnusualHour       = "transaction at unusual hour"
)

// Rules configures the heuristic.
type Rules struct {
	AmountThreshold decimal.Decimal
	VelocityLimit   int
	VelocityWindow  time.Duration
}

// DefaultRules returns a threshold of 1000, at most 5 transactions per hour.
func DefaultRules() Rules {
	return Rules{
		AmountThreshold: decimal.NewFromInt(1000),
		VelocityLimit:   5,
		VelocityWindow:  time.Hour,
	}
}

// Input is what the heuristic looks at.
type Input struct {
	Amount          decimal.Decimal
	SourceAccountID string
	TargetAccountID string
	// RecentCount is the number of transactions from the source account in the velocity window.
	RecentCount int
	At          time.Time
}

// Result is the outcome of a fraud check.
type Result struct {
	Score     int
	Approved  bool
	Reasons   []string
	CheckedAt time.Time
}

// Reason joins the triggered rule reasons.
func (r Result) Reason() string {
	if len(r.Reasons) == 0 {
		return ""
	}
	return "fraud check rejected: " + strings.Join(r.Reasons, "; ")
}

// Evaluate scores input. Every triggered rule adds its penalty; the score is capped at
// MaxScore and approved iff below ApprovalThreshold.
func Evaluate(rules Rules, input Input) Result {
	score := 0
	var reasons []string

	if input.Amount.GreaterThan(rules.AmountThreshold) {
		score += AmountPenalty
		reasons = append(reasons, ReasonAmountThreshold)
	}
	if input.RecentCount > rules.VelocityLimit {
		score += VelocityPenalty
		reasons = append(reasons, ReasonVelocity)
	}
	if input.SourceAccountID == input.TargetAccountID {
		score += SuspiciousPatternPenalty
		reasons = append(reasons, ReasonSuspiciousPattern)
	}
	if isUnusualHour(input.At) {
		score += UnusualHourPenalty
		reasons = append(reasons, ReasonUnusualHour)
	}

	score = min(score, MaxScore)
	return Result{
		Score:     score,
		Approved:  score < ApprovalThreshold,
		Reasons:   reasons,
		CheckedAt: input.At.UTC(),
	}
}

// isUnusualHour reports 00:00 to 05:59 UTC.
func isUnusualHour(t time.Time) bool {
	return t.UTC().Hour() < 6
}
