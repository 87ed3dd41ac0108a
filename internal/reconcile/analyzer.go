// Package reconcile compares the units Square reports as paid for each pickup
// day with the totals committed in the inventory counter.
package reconcile

import (
	"fmt"
	"time"

	"github.com/jogardn/donut-preorders/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

type Analyzer struct {
	logger *logrus.Logger
}

type Result struct {
	Days            []DayDrift      `json:"days"`
	Analysis        Analysis        `json:"analysis"`
	Inconsistencies []Inconsistency `json:"inconsistencies"`
	Statistics      Statistics      `json:"statistics"`
	Recommendations []string        `json:"recommendations"`
	Timestamp       time.Time       `json:"timestamp"`
}

type DayDrift struct {
	Date      string `json:"date"`
	PaidUnits int    `json:"paid_units"`
	Committed int    `json:"committed"`
	Drift     int    `json:"drift"`
	Limit     int    `json:"limit"`
}

type Analysis struct {
	TotalDays             int      `json:"total_days"`
	MatchingDays          int      `json:"matching_days"`
	UndercountedDays      []string `json:"undercounted_days"`
	OvercountedDays       []string `json:"overcounted_days"`
	OverLimitDays         []string `json:"over_limit_days"`
	ConsistencyPercentage float64  `json:"consistency_percentage"`
	OverallStatus         string   `json:"overall_status"`
}

type Inconsistency struct {
	Date        string `json:"date"`
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	PaidUnits   int    `json:"paid_units"`
	Committed   int    `json:"committed"`
	Description string `json:"description"`
	Impact      string `json:"impact"`
	Suggestion  string `json:"suggestion"`
}

type Statistics struct {
	CriticalIssues  int `json:"critical_issues"`
	WarningIssues   int `json:"warning_issues"`
	InfoIssues      int `json:"info_issues"`
	PaidUnits       int `json:"paid_units"`
	CommittedUnits  int `json:"committed_units"`
	UncountedUnits  int `json:"uncounted_units"`
	UnexplainedHeld int `json:"unexplained_held"`
}

func NewAnalyzer(logger *logrus.Logger) *Analyzer {
	return &Analyzer{logger: logger}
}

// Compare takes per-day summaries whose Used field holds Square's paid units
// and whose Committed field holds the counter's total.
func (a *Analyzer) Compare(days []models.DaySummary) *Result {
	result := &Result{
		Days:            make([]DayDrift, 0, len(days)),
		Inconsistencies: []Inconsistency{},
		Timestamp:       time.Now().UTC(),
	}
	analysis := Analysis{
		TotalDays:        len(days),
		UndercountedDays: []string{},
		OvercountedDays:  []string{},
		OverLimitDays:    []string{},
	}

	for _, day := range days {
		drift := DayDrift{
			Date:      day.Date,
			PaidUnits: day.Used,
			Committed: day.Committed,
			Drift:     day.Committed - day.Used,
			Limit:     day.Limit,
		}
		result.Days = append(result.Days, drift)
		result.Statistics.PaidUnits += day.Used
		result.Statistics.CommittedUnits += day.Committed

		switch {
		case drift.Drift < 0:
			analysis.UndercountedDays = append(analysis.UndercountedDays, day.Date)
			result.Statistics.UncountedUnits += -drift.Drift
			result.Inconsistencies = append(result.Inconsistencies, Inconsistency{
				Date:        day.Date,
				Type:        "undercounted",
				Severity:    SeverityCritical,
				PaidUnits:   day.Used,
				Committed:   day.Committed,
				Description: fmt.Sprintf("Square has %d paid donuts the counter never recorded", -drift.Drift),
				Impact:      "The day can be sold past its limit",
				Suggestion:  "Run a payment backfill for the day's orders",
			})
		case drift.Drift > 0:
			analysis.OvercountedDays = append(analysis.OvercountedDays, day.Date)
			result.Statistics.UnexplainedHeld += drift.Drift
			result.Inconsistencies = append(result.Inconsistencies, Inconsistency{
				Date:        day.Date,
				Type:        "overcounted",
				Severity:    SeverityWarning,
				PaidUnits:   day.Used,
				Committed:   day.Committed,
				Description: fmt.Sprintf("Counter holds %d donuts more than Square reports paid", drift.Drift),
				Impact:      "Customers may see the day as fuller than it is",
				Suggestion:  "Check for open reservations or refunded orders",
			})
		default:
			analysis.MatchingDays++
		}

		if day.Limit > 0 && day.Used > day.Limit {
			analysis.OverLimitDays = append(analysis.OverLimitDays, day.Date)
			result.Inconsistencies = append(result.Inconsistencies, Inconsistency{
				Date:        day.Date,
				Type:        "over_limit",
				Severity:    SeverityInfo,
				PaidUnits:   day.Used,
				Committed:   day.Committed,
				Description: fmt.Sprintf("Paid units exceed the daily limit of %d", day.Limit),
				Impact:      "The kitchen needs to plan for extra donuts",
				Suggestion:  "Confirm production capacity for the day",
			})
		}
	}

	if analysis.TotalDays > 0 {
		analysis.ConsistencyPercentage = float64(analysis.MatchingDays) / float64(analysis.TotalDays) * 100
	} else {
		analysis.ConsistencyPercentage = 100
	}
	analysis.OverallStatus = status(analysis.ConsistencyPercentage)
	result.Analysis = analysis

	for _, issue := range result.Inconsistencies {
		switch issue.Severity {
		case SeverityCritical:
			result.Statistics.CriticalIssues++
		case SeverityWarning:
			result.Statistics.WarningIssues++
		case SeverityInfo:
			result.Statistics.InfoIssues++
		}
	}
	result.Recommendations = recommendations(result)

	a.logger.WithFields(logrus.Fields{
		"days":            analysis.TotalDays,
		"inconsistencies": len(result.Inconsistencies),
		"consistency":     analysis.ConsistencyPercentage,
		"status":          analysis.OverallStatus,
	}).Info("Inventory reconciliation completed")

	return result
}

func status(percentage float64) string {
	switch {
	case percentage >= 95:
		return "excellent"
	case percentage >= 85:
		return "good"
	case percentage >= 70:
		return "fair"
	default:
		return "poor"
	}
}

func recommendations(result *Result) []string {
	var out []string
	if n := len(result.Analysis.UndercountedDays); n > 0 {
		out = append(out, fmt.Sprintf("Backfill payments for %d undercounted day(s); %d paid donuts are missing from the counter",
			n, result.Statistics.UncountedUnits))
	}
	if n := len(result.Analysis.OvercountedDays); n > 0 {
		out = append(out, fmt.Sprintf("Review %d day(s) where the counter is ahead of Square; pending holds expire on their own", n))
	}
	if n := len(result.Analysis.OverLimitDays); n > 0 {
		out = append(out, fmt.Sprintf("%d day(s) sold past the daily limit", n))
	}
	if len(out) == 0 {
		out = append(out, "Counter matches Square for every day")
	}
	return out
}
