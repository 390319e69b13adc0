package storage

import (
	"testing"

	"github.com/sgaydamakov/counters/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveStrategy_BothFalseIsFacts(t *testing.T) {
	s, err := resolveStrategy(config.StrategyConfig{})
	require.NoError(t, err)
	assert.Equal(t, StrategyFacts, s)
	assert.Equal(t, "createdAt", s.TimeField())
}

func TestResolveStrategy_JoinFromIndexIsLookup(t *testing.T) {
	s, err := resolveStrategy(config.StrategyConfig{JoinFactsFromIndex: true})
	require.NoError(t, err)
	assert.Equal(t, StrategyLookup, s)
	assert.Equal(t, "factTime", s.TimeField())
}

func TestResolveStrategy_EmbedIsEmbedded(t *testing.T) {
	s, err := resolveStrategy(config.StrategyConfig{EmbedFactDataInIndex: true})
	require.NoError(t, err)
	assert.Equal(t, StrategyEmbedded, s)
	assert.Equal(t, "factTime", s.TimeField())
}

func TestResolveStrategy_BothTrueWarnsAndBehavesAsLookup(t *testing.T) {
	s, err := resolveStrategy(config.StrategyConfig{
		EmbedFactDataInIndex: true,
		JoinFactsFromIndex:   true,
		StrategyConflict:     "warn",
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyLookup, s)
}

func TestResolveStrategy_BothTrueErrorsWhenConfigured(t *testing.T) {
	_, err := resolveStrategy(config.StrategyConfig{
		EmbedFactDataInIndex: true,
		JoinFactsFromIndex:   true,
		StrategyConflict:     "error",
	})
	assert.Error(t, err)
}
