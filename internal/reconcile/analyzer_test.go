package reconcile

import (
	"testing"

	"github.com/jogardn/donut-preorders/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnalyzer() *Analyzer {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewAnalyzer(logger)
}

func TestCompareMatchingDays(t *testing.T) {
	result := newAnalyzer().Compare([]models.DaySummary{
		{Date: "2025-12-18", Used: 40, Committed: 40, Limit: 250},
		{Date: "2025-12-19", Used: 0, Committed: 0, Limit: 250},
	})

	assert.Equal(t, 2, result.Analysis.MatchingDays)
	assert.Equal(t, 100.0, result.Analysis.ConsistencyPercentage)
	assert.Equal(t, "excellent", result.Analysis.OverallStatus)
	assert.Empty(t, result.Inconsistencies)
	assert.Equal(t, []string{"Counter matches Square for every day"}, result.Recommendations)
}

func TestCompareFlagsDrift(t *testing.T) {
	result := newAnalyzer().Compare([]models.DaySummary{
		{Date: "2025-12-18", Used: 40, Committed: 32, Limit: 250},
		{Date: "2025-12-19", Used: 10, Committed: 16, Limit: 250},
		{Date: "2025-12-20", Used: 5, Committed: 5, Limit: 250},
	})

	require.Len(t, result.Days, 3)
	assert.Equal(t, -8, result.Days[0].Drift)
	assert.Equal(t, 6, result.Days[1].Drift)

	assert.Equal(t, []string{"2025-12-18"}, result.Analysis.UndercountedDays)
	assert.Equal(t, []string{"2025-12-19"}, result.Analysis.OvercountedDays)
	assert.InDelta(t, 33.33, result.Analysis.ConsistencyPercentage, 0.01)
	assert.Equal(t, "poor", result.Analysis.OverallStatus)

	require.Len(t, result.Inconsistencies, 2)
	assert.Equal(t, SeverityCritical, result.Inconsistencies[0].Severity)
	assert.Equal(t, SeverityWarning, result.Inconsistencies[1].Severity)
	assert.Equal(t, 1, result.Statistics.CriticalIssues)
	assert.Equal(t, 1, result.Statistics.WarningIssues)
	assert.Equal(t, 8, result.Statistics.UncountedUnits)
	assert.Equal(t, 6, result.Statistics.UnexplainedHeld)
	assert.Len(t, result.Recommendations, 2)
}

func TestCompareNotesDaysPastLimit(t *testing.T) {
	result := newAnalyzer().Compare([]models.DaySummary{
		{Date: "2025-12-18", Used: 260, Committed: 260, Limit: 250},
	})

	assert.Equal(t, []string{"2025-12-18"}, result.Analysis.OverLimitDays)
	assert.Equal(t, 1, result.Statistics.InfoIssues)
	assert.Equal(t, "excellent", result.Analysis.OverallStatus)
}

func TestStatusThresholds(t *testing.T) {
	assert.Equal(t, "excellent", status(95))
	assert.Equal(t, "good", status(90))
	assert.Equal(t, "fair", status(70))
	assert.Equal(t, "poor", status(69.9))
}

func TestCompareNoDays(t *testing.T) {
	result := newAnalyzer().Compare(nil)
	assert.Equal(t, 100.0, result.Analysis.ConsistencyPercentage)
	assert.Empty(t, result.Days)
}
