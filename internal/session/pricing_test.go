package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/types"
)

func TestDefaultPricingParses(t *testing.T) {
	table := DefaultPricing()
	require.NotEmpty(t, table.Models)
	assert.Greater(t, table.Default.Input, 0.0)
	assert.Greater(t, table.Default.Output, 0.0)
}

func TestCostExactModel(t *testing.T) {
	table := DefaultPricing()
	usage := types.TokenUsage{Input: 1_000_000, Output: 1_000_000}
	got := table.Cost(usage, "claude-opus-4-1")
	assert.InDelta(t, 15.0+75.0, got, 1e-9)
}

func TestCostPrefixMatch(t *testing.T) {
	table := DefaultPricing()
	usage := types.TokenUsage{Input: 2_000_000}
	exact := table.Cost(usage, "claude-opus-4-1")
	dated := table.Cost(usage, "claude-opus-4-1-20250805")
	assert.InDelta(t, exact, dated, 1e-9)
}

func TestCostUnknownModelUsesDefault(t *testing.T) {
	table := DefaultPricing()
	usage := types.TokenUsage{Output: 1_000_000}
	got := table.Cost(usage, "some-future-model")
	assert.InDelta(t, table.Default.Output, got, 1e-9)
}

func TestCostCacheBuckets(t *testing.T) {
	table := DefaultPricing()
	usage := types.TokenUsage{CacheRead: 10_000_000, CacheCreation: 1_000_000}
	got := table.Cost(usage, "claude-3-5-haiku-20241022")
	assert.InDelta(t, 10*0.08+1.0, got, 1e-9)
}

func TestCostZeroUsage(t *testing.T) {
	table := DefaultPricing()
	assert.Zero(t, table.Cost(types.TokenUsage{}, "claude-opus-4-1"))
}
