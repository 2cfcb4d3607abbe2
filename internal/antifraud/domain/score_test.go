package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

var noon = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestEvaluate(t *testing.T) {
	rules := DefaultRules()

	tests := []struct {
		name         string
		input        Input
		wantScore    int
		wantApproved bool
		wantReasons  []string
	}{
		{
			name:         "small amount at normal hour",
			input:        Input{Amount: decimal.NewFromInt(50), SourceAccountID: "a", TargetAccountID: "b", At: noon},
			wantScore:    0,
			wantApproved: true,
		},
		{
			name:         "amount above threshold",
			input:        Input{Amount: decimal.NewFromInt(1500), SourceAccountID: "a", TargetAccountID: "b", At: noon},
			wantScore:    100,
			wantApproved: false,
			wantReasons:  []string{ReasonAmountThreshold},
		},
		{
			name:         "amount equal to threshold",
			input:        Input{Amount: decimal.NewFromInt(1000), SourceAccountID: "a", TargetAccountID: "b", At: noon},
			wantScore:    0,
			wantApproved: true,
		},
		{
			name:         "same account",
			input:        Input{Amount: decimal.NewFromInt(50), SourceAccountID: "a", TargetAccountID: "a", At: noon},
			wantScore:    50,
			wantApproved: false,
			wantReasons:  []string{ReasonSuspiciousPattern},
		},
		{
			name:         "velocity only",
			input:        Input{Amount: decimal.NewFromInt(50), SourceAccountID: "a", TargetAccountID: "b", RecentCount: 6, At: noon},
			wantScore:    30,
			wantApproved: true,
			wantReasons:  []string{ReasonVelocity},
		},
		{
			name:         "velocity at limit",
			input:        Input{Amount: decimal.NewFromInt(50), SourceAccountID: "a", TargetAccountID: "b", RecentCount: 5, At: noon},
			wantScore:    0,
			wantApproved: true,
		},
		{
			name: "velocity at unusual hour",
			input: Input{
				Amount: decimal.NewFromInt(50), SourceAccountID: "a", TargetAccountID: "b", RecentCount: 9,
				At: time.Date(2026, 6, 1, 3, 30, 0, 0, time.UTC),
			},
			wantScore:    50,
			wantApproved: false,
			wantReasons:  []string{ReasonVelocity, ReasonUnusualHour},
		},
		{
			name: "capped at max score",
			input: Input{
				Amount: decimal.NewFromInt(5000), SourceAccountID: "a", TargetAccountID: "a", RecentCount: 9,
				At: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
			},
			wantScore:    100,
			wantApproved: false,
			wantReasons:  []string{ReasonAmountThreshold, ReasonVelocity, ReasonSuspiciousPattern, ReasonUnusualHour},
		},
		{
			name: "hour boundary is not unusual",
			input: Input{
				Amount: decimal.NewFromInt(50), SourceAccountID: "a", TargetAccountID: "b",
				At: time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC),
			},
			wantScore:    0,
			wantApproved: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(rules, tt.input)

			assert.Equal(t, tt.wantScore, got.Score)
			assert.Equal(t, tt.wantApproved, got.Approved)
			assert.Equal(t, tt.wantReasons, got.Reasons)
		})
	}
}

func TestEvaluate_UsesUTCHour(t *testing.T) {
	lima := time.FixedZone("PET", -5*3600)
	// 22:00 in Lima is 03:00 UTC.
	got := Evaluate(DefaultRules(), Input{
		Amount: decimal.NewFromInt(10), SourceAccountID: "a", TargetAccountID: "b",
		At: time.Date(2026, 6, 1, 22, 0, 0, 0, lima),
	})

	assert.Equal(t, 20, got.Score)
	assert.True(t, got.Approved)
}

func TestResult_Reason(t *testing.T) {
	assert.Empty(t, Result{}.Reason())
	assert.Equal(t, "fraud check rejected: a; b", Result{Reasons: []string{"a", "b"}}.Reason())
}
