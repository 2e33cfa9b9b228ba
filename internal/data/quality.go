package data

import (
	"sort"
	"strconv"
	"time"

	"github.com/atlas-desktop/consensus-trader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// QualityValidator checks historical bars before they reach the pipeline
type QualityValidator struct {
	logger     *zap.Logger
	MaxGapMove float64 // Max close-to-close move before flagging (e.g. 0.20 for 20%)
}

// DataIssue represents a data quality problem
type DataIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"` // "critical", "high", "medium"
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	BarIndex  int       `json:"bar_index"`
}

// QualityReport summarizes a validation pass
type QualityReport struct {
	Symbol       string      `json:"symbol"`
	TotalBars    int         `json:"total_bars"`
	Issues       []DataIssue `json:"issues"`
	QualityScore int         `json:"quality_score"` // 0-100
	IsUsable     bool        `json:"is_usable"`
}

// NewQualityValidator creates a validator with default settings
func NewQualityValidator(logger *zap.Logger) *QualityValidator {
	return &QualityValidator{
		logger:     logger,
		MaxGapMove: 0.20,
	}
}

// Validate runs the consistency checks
func (qv *QualityValidator) Validate(bars []types.OHLCV, symbol string) *QualityReport {
	report := &QualityReport{Symbol: symbol, TotalBars: len(bars)}
	if len(bars) == 0 {
		report.Issues = []DataIssue{{Type: "NO_DATA", Severity: "critical", Message: "no bars"}}
		return report
	}

	seen := make(map[int64]int, len(bars))
	for i, bar := range bars {
		if bar.Close.LessThanOrEqual(decimal.Zero) || bar.Low.LessThanOrEqual(decimal.Zero) {
			report.Issues = append(report.Issues, qv.issue("NON_POSITIVE_PRICE", "critical", bar, i, "price <= 0"))
		}
		if bar.High.LessThan(bar.Low) || bar.High.LessThan(bar.Close) || bar.Low.GreaterThan(bar.Close) {
			report.Issues = append(report.Issues, qv.issue("OHLC_INCONSISTENT", "critical", bar, i,
				"H:"+bar.High.String()+" L:"+bar.Low.String()+" C:"+bar.Close.String()))
		}
		ts := bar.Timestamp.UnixNano()
		if first, ok := seen[ts]; ok {
			report.Issues = append(report.Issues, qv.issue("DUPLICATE_TIMESTAMP", "high", bar, i,
				"duplicate of index "+strconv.Itoa(first)))
		} else {
			seen[ts] = i
		}
		if i > 0 {
			prev := bars[i-1]
			if bar.Timestamp.Before(prev.Timestamp) {
				report.Issues = append(report.Issues, qv.issue("OUT_OF_ORDER", "critical", bar, i, "bar out of order"))
			}
			if prev.Close.IsPositive() {
				move := bar.Close.Sub(prev.Close).Div(prev.Close).Abs().InexactFloat64()
				if move > qv.MaxGapMove {
					report.Issues = append(report.Issues, qv.issue("GAP_MOVE", "medium", bar, i,
						"close-to-close move "+strconv.FormatFloat(move, 'f', 4, 64)))
				}
			}
		}
	}

	report.QualityScore = qv.score(len(bars), report.Issues)
	report.IsUsable = report.QualityScore >= 70 && !hasCritical(report.Issues)
	return report
}

func (qv *QualityValidator) issue(kind, severity string, bar types.OHLCV, idx int, msg string) DataIssue {
	return DataIssue{Type: kind, Severity: severity, Timestamp: bar.Timestamp, Message: msg, BarIndex: idx}
}

func (qv *QualityValidator) score(total int, issues []DataIssue) int {
	penalty := 0.0
	for _, is := range issues {
		switch is.Severity {
		case "critical":
			penalty += 10
		case "high":
			penalty += 5
		default:
			penalty += 1
		}
	}
	// normalise per 100 bars so long histories are not punished for scale
	penalty = penalty * 100 / float64(max(total, 100))
	s := 100 - int(penalty)
	if s < 0 {
		return 0
	}
	return s
}

func hasCritical(issues []DataIssue) bool {
	for _, is := range issues {
		if is.Severity == "critical" {
			return true
		}
	}
	return false
}

// CleanData sorts bars, drops duplicates and non-positive prices, and widens H/L to cover O/C
func (qv *QualityValidator) CleanData(bars []types.OHLCV) []types.OHLCV {
	if len(bars) == 0 {
		return bars
	}

	sorted := make([]types.OHLCV, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	cleaned := make([]types.OHLCV, 0, len(sorted))
	seen := make(map[int64]bool, len(sorted))
	for _, bar := range sorted {
		ts := bar.Timestamp.UnixNano()
		if seen[ts] {
			continue
		}
		seen[ts] = true

		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			continue
		}

		bar.High = decimal.Max(bar.Open, decimal.Max(bar.High, bar.Close))
		bar.Low = decimal.Min(bar.Open, decimal.Min(bar.Low, bar.Close))
		cleaned = append(cleaned, bar)
	}

	if removed := len(bars) - len(cleaned); removed > 0 {
		qv.logger.Info("Data cleaning complete",
			zap.Int("original_bars", len(bars)),
			zap.Int("cleaned_bars", len(cleaned)),
			zap.Int("removed", removed))
	}

	return cleaned
}
