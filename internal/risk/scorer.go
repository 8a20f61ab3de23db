package risk

import (
	"time"
)

// Level represents a risk classification level
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

// String returns the level name
func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseLevel converts a level name to a Level. Unknown names map to
// LevelLow so malformed input never inflates a stored classification.
func ParseLevel(s string) Level {
	switch s {
	case "medium":
		return LevelMedium
	case "high":
		return LevelHigh
	case "critical":
		return LevelCritical
	default:
		return LevelLow
	}
}

// AnomalyKind represents types of security anomalies
type AnomalyKind string

const (
	KindUnauthorizedAccess AnomalyKind = "unauthorized_access"
	KindDataLeak           AnomalyKind = "data_leak"
	KindUnusualActivity    AnomalyKind = "unusual_activity"
	KindSystemBreach       AnomalyKind = "system_breach"
)

// Anomaly is a raw security signal produced by upstream monitoring.
// Consumed once; anything worth keeping ends up in an incident or the
// audit trail.
type Anomaly struct {
	ID                        string
	Kind                      AnomalyKind
	SeverityHint              Level
	AffectedDataCategories    []string
	EstimatedAffectedSubjects uint64
	DetectedAt                time.Time
	RawDetails                map[string]interface{}
}

// Assessment is the derived risk classification of an anomaly.
// Immutable once computed.
type Assessment struct {
	DataSensitivity Level
	PotentialImpact Level
	Likelihood      Level
	OverallRisk     Level
}

// sensitiveCategories are the data categories that force high sensitivity
// (special-category personal data under breach-notification law).
var sensitiveCategories = map[string]struct{}{
	"identification": {},
	"financial":      {},
	"health":         {},
	"biometric":      {},
}

// riskMatrix maps (potential impact, likelihood) to overall risk.
// Kept as an explicit table so every cell is unit-testable. The matrix
// never understates risk: where two readings are defensible the cell
// holds the higher one.
var riskMatrix = map[Level]map[Level]Level{
	LevelLow: {
		LevelLow:    LevelLow,
		LevelMedium: LevelLow,
		LevelHigh:   LevelMedium,
	},
	LevelMedium: {
		LevelLow:    LevelMedium,
		LevelMedium: LevelMedium,
		LevelHigh:   LevelHigh,
	},
	LevelHigh: {
		LevelLow:    LevelHigh,
		LevelMedium: LevelHigh,
		LevelHigh:   LevelCritical,
	},
	LevelCritical: {
		LevelLow:    LevelCritical,
		LevelMedium: LevelCritical,
		LevelHigh:   LevelCritical,
	},
}

// Assess computes the risk classification of an anomaly.
// Pure and side-effect free: the same anomaly always yields the same
// assessment.
func Assess(anomaly *Anomaly) Assessment {
	sensitivity := dataSensitivity(anomaly.AffectedDataCategories)
	impact := potentialImpact(anomaly.EstimatedAffectedSubjects)
	likelihood := likelihoodOf(anomaly.Kind)

	return Assessment{
		DataSensitivity: sensitivity,
		PotentialImpact: impact,
		Likelihood:      likelihood,
		OverallRisk:     Overall(impact, likelihood),
	}
}

// Overall looks up the overall risk for an (impact, likelihood) pair.
func Overall(impact, likelihood Level) Level {
	row, ok := riskMatrix[impact]
	if !ok {
		return LevelCritical
	}
	overall, ok := row[likelihood]
	if !ok {
		// Likelihood beyond the table saturates upward.
		if likelihood > impact {
			return likelihood
		}
		return impact
	}
	return overall
}

func dataSensitivity(categories []string) Level {
	for _, c := range categories {
		if _, ok := sensitiveCategories[c]; ok {
			return LevelHigh
		}
	}
	return LevelLow
}

func potentialImpact(subjects uint64) Level {
	switch {
	case subjects > 1000:
		return LevelCritical
	case subjects > 100:
		return LevelHigh
	case subjects > 10:
		return LevelMedium
	default:
		return LevelLow
	}
}

func likelihoodOf(kind AnomalyKind) Level {
	switch kind {
	case KindDataLeak, KindSystemBreach:
		return LevelHigh
	default:
		// Unknown kinds default conservatively rather than erroring.
		return LevelMedium
	}
}
