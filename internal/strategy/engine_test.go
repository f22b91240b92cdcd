package strategy

import (
	"errors"
	"testing"

	"gridbot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() models.GridConfig {
	cfg := models.GridConfig{
		Symbol:        "ETH",
		CenterSource:  models.CenterFixed,
		CenterPrice:   100,
		Spacing:       0.01,
		LevelsPerSide: 2,
		OrderSize:     0.01,
		MaxPosition:   1,
	}
	cfg.ApplyDefaults()
	return cfg
}

func prices(levels []models.GridLevel) []float64 {
	out := make([]float64, 0, len(levels))
	for _, l := range levels {
		out = append(out, l.Price)
	}
	return out
}

func TestRecomputeLevelsSymmetry(t *testing.T) {
	testCases := []struct {
		desc     string
		mode     models.SpacingMode
		spacing  float64
		levels   int
		ref      float64
		expected []float64
	}{
		{"percent two levels", models.SpacingPercent, 0.01, 2, 100, []float64{98, 99, 101, 102}},
		{"percent three levels", models.SpacingPercent, 0.02, 3, 50, []float64{47, 48, 49, 51, 52, 53}},
		{"absolute", models.SpacingAbsolute, 0.5, 2, 10, []float64{9, 9.5, 10.5, 11}},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := baseConfig()
			cfg.SpacingMode = tc.mode
			cfg.Spacing = tc.spacing
			cfg.LevelsPerSide = tc.levels

			e, err := New(cfg)
			require.NoError(t, err)

			plan, err := e.RecomputeLevels(tc.ref, nil)
			require.NoError(t, err)
			require.Len(t, plan.Levels, 2*tc.levels)
			assert.False(t, plan.FullRebalance)

			got := prices(plan.Levels)
			for i := range tc.expected {
				assert.InDelta(t, tc.expected[i], got[i], 1e-9)
			}
			for i, l := range plan.Levels {
				assert.NotZero(t, l.Index)
				if i > 0 {
					assert.Less(t, plan.Levels[i-1].Price, l.Price)
				}
				if l.Index < 0 {
					assert.Equal(t, models.SideBuy, l.Side)
				} else {
					assert.Equal(t, models.SideSell, l.Side)
				}
			}
			assert.InDelta(t, tc.ref, plan.LinePrice(0), 1e-9)
		})
	}
}

func TestAbsoluteModeDropsNonPositiveLevels(t *testing.T) {
	cfg := baseConfig()
	cfg.SpacingMode = models.SpacingAbsolute
	cfg.Spacing = 4
	cfg.LevelsPerSide = 3

	e, err := New(cfg)
	require.NoError(t, err)

	plan, err := e.RecomputeLevels(10, nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 6, 14, 18, 22}, prices(plan.Levels))
	assert.False(t, plan.Contains(-3))
	assert.True(t, plan.Contains(-2))
	assert.False(t, plan.Contains(4))
}

func TestNewRejectsInvalidSpacing(t *testing.T) {
	for _, spacing := range []float64{0, -0.01} {
		cfg := baseConfig()
		cfg.Spacing = spacing
		_, err := New(cfg)
		require.ErrorIs(t, err, models.ErrInvalidConfig)
	}
}

func TestFeedDataError(t *testing.T) {
	e, err := New(baseConfig())
	require.NoError(t, err)

	_, err = e.RecomputeLevels(0, nil)
	var feedErr *FeedDataError
	require.True(t, errors.As(err, &feedErr))
	assert.Equal(t, "ETH", feedErr.Symbol)

	_, err = e.RecomputeLevels(-5, nil)
	require.True(t, errors.As(err, &feedErr))

	require.True(t, errors.As(e.Observe(-1), &feedErr))
	require.NoError(t, e.Observe(100))
}

func TestDynamicSpacingRebalance(t *testing.T) {
	cfg := baseConfig()
	cfg.Dynamic = &models.DynamicSpacing{Lookback: 2, Multiplier: 2, RebalanceThreshold: 0.25}

	e, err := New(cfg)
	require.NoError(t, err)

	hint := 0.5
	plan, err := e.RecomputeLevels(100, &hint)
	require.NoError(t, err)
	assert.False(t, plan.FullRebalance)
	assert.InDelta(t, 0.01, plan.Spacing, 1e-12)

	hint = 1
	plan, err = e.RecomputeLevels(100, &hint)
	require.NoError(t, err)
	assert.True(t, plan.FullRebalance)
	assert.InDelta(t, 0.02, e.Spacing(), 1e-12)
	assert.InDelta(t, 98, plan.LinePrice(-1), 1e-9)

	hint = 1.1
	plan, err = e.RecomputeLevels(100, &hint)
	require.NoError(t, err)
	assert.False(t, plan.FullRebalance)
	assert.InDelta(t, 0.02, plan.Spacing, 1e-12)
}

func TestDynamicSpacingGradualDrift(t *testing.T) {
	cfg := baseConfig()
	cfg.Dynamic = &models.DynamicSpacing{Lookback: 2, Multiplier: 1, RebalanceThreshold: 0.5}

	e, err := New(cfg)
	require.NoError(t, err)

	rebalances := 0
	for _, hint := range []float64{1.0, 1.05, 1.1, 1.2, 1.3, 1.4, 1.45} {
		h := hint
		plan, err := e.RecomputeLevels(100, &h)
		require.NoError(t, err)
		assert.False(t, plan.FullRebalance, "hint %v", hint)
		assert.InDelta(t, 0.01, plan.Spacing, 1e-12, "hint %v", hint)
	}

	for _, hint := range []float64{1.52, 1.55, 1.6} {
		h := hint
		plan, err := e.RecomputeLevels(100, &h)
		require.NoError(t, err)
		if plan.FullRebalance {
			rebalances++
		}
	}
	assert.Equal(t, 1, rebalances)
	assert.InDelta(t, 0.0152, e.Spacing(), 1e-12)
}

func TestDynamicSpacingFromTicks(t *testing.T) {
	cfg := baseConfig()
	cfg.Dynamic = &models.DynamicSpacing{Lookback: 2, Multiplier: 2, RebalanceThreshold: 0.5}

	e, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, e.Observe(100))
	plan, err := e.RecomputeLevels(100, nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, plan.Spacing, 1e-12)

	require.NoError(t, e.Observe(101))
	require.NoError(t, e.Observe(100))
	plan, err = e.RecomputeLevels(100, nil)
	require.NoError(t, err)
	assert.True(t, plan.FullRebalance)
	assert.InDelta(t, 0.02, plan.Spacing, 1e-12)
}

func TestNeedsRecenter(t *testing.T) {
	cfg := baseConfig()
	cfg.CenterSource = models.CenterMid
	cfg.RecenterThreshold = 0.05

	e, err := New(cfg)
	require.NoError(t, err)
	assert.False(t, e.NeedsRecenter(100, 104))
	assert.True(t, e.NeedsRecenter(100, 106))
	assert.True(t, e.NeedsRecenter(100, 94))

	fixed, err := New(baseConfig())
	require.NoError(t, err)
	assert.False(t, fixed.NeedsRecenter(100, 200))
}
