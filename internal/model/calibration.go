package model

import "time"

// MinSampleSize is the minimum number of reviewed decisions required before
// a Brier score or per-category analysis is reported.
const MinSampleSize = 5

// CalibrationBucket is one of five equal-width confidence ranges.
type CalibrationBucket struct {
	Low           float64 `json:"low"`
	High          float64 `json:"high"`
	Count         int     `json:"count"`
	MeanPredicted float64 `json:"mean_predicted"`
	SuccessRate   float64 `json:"actual_success_rate"`
	Brier         float64 `json:"brier"`
}

// ConfidenceDistribution summarizes the spread of confidence values and
// flags habituation (the agent always reporting the same confidence).
type ConfidenceDistribution struct {
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"std_dev"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Count       int     `json:"count"`
	Buckets     [5]int  `json:"buckets"`
	Habituation bool    `json:"habituation"`
}

// Recommendation is a textual calibration suggestion.
type Recommendation struct {
	Severity string `json:"severity"` // info | warning
	Message  string `json:"message"`
}

// CalibrationReport is the full calibration analysis over a filtered set of
// reviewed decisions.
type CalibrationReport struct {
	SampleSize       int                     `json:"sample_size"`
	InsufficientData bool                    `json:"insufficient_data,omitempty"`
	Note             string                  `json:"note,omitempty"`
	Brier            float64                 `json:"brier_score"`
	Accuracy         float64                 `json:"accuracy"`
	CalibrationGap   float64                 `json:"calibration_gap"`
	Buckets          []CalibrationBucket     `json:"buckets,omitempty"`
	Distribution     *ConfidenceDistribution `json:"confidence_distribution,omitempty"`
	Recommendations  []Recommendation        `json:"recommendations,omitempty"`
}

// DriftAlertType classifies a detected calibration regression.
type DriftAlertType string

const (
	DriftBrierDegradation DriftAlertType = "brier_degradation"
	DriftAccuracyDrop     DriftAlertType = "accuracy_drop"
)

// DriftAlert is one metric regression between the recent window and the
// historical baseline.
type DriftAlert struct {
	Type       DriftAlertType `json:"type"`
	Severity   string         `json:"severity"` // warning | error
	Category   string         `json:"category,omitempty"`
	Recent     float64        `json:"recent"`
	Historical float64        `json:"historical"`
	Change     float64        `json:"change"` // relative change that crossed the threshold
	Message    string         `json:"message"`
}

// DriftReport is the result of comparing a recent window against the
// historical baseline.
type DriftReport struct {
	DriftDetected   bool         `json:"drift_detected"`
	Category        string       `json:"category,omitempty"`
	RecentCount     int          `json:"recent_count"`
	HistoricalCount int          `json:"historical_count"`
	Alerts          []DriftAlert `json:"alerts,omitempty"`
	Note            string       `json:"note,omitempty"`
	WindowDays      int          `json:"window_days"`
	EvaluatedAt     time.Time    `json:"evaluated_at"`
}

// CalibrationTendency summarizes how an agent's confidence relates to its
// outcomes within a category. Used in pre-action context.
type CalibrationTendency string

const (
	TendencyOverconfident    CalibrationTendency = "overconfident"
	TendencyUnderconfident   CalibrationTendency = "underconfident"
	TendencyWellCalibrated   CalibrationTendency = "well_calibrated"
	TendencyInsufficientData CalibrationTendency = "insufficient_data"
)

// CalibrationContext is the compact calibration summary attached to
// pre-action and session-context responses.
type CalibrationContext struct {
	Category   string              `json:"category,omitempty"`
	Brier      float64             `json:"brier_score"`
	Accuracy   float64             `json:"accuracy"`
	SampleSize int                 `json:"sample_size"`
	Tendency   CalibrationTendency `json:"tendency"`
}
