package scorer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trustengine/trustengine/pkg/anomaly"
)

func TestComputeNoFlagsReturnsBase(t *testing.T) {
	score := Compute(nil, DefaultBaseScore, MinScore, MaxScore)
	require.Equal(t, 100.0, score)
}

func TestComputeSubtractsPenalties(t *testing.T) {
	flags := []anomaly.Flag{
		{Severity: anomaly.SeverityCritical},
		{Severity: anomaly.SeverityMedium},
	}
	score := Compute(flags, DefaultBaseScore, MinScore, MaxScore)
	require.Equal(t, 67.0, score)
}

func TestComputeClampsAtMin(t *testing.T) {
	flags := []anomaly.Flag{
		{Severity: anomaly.SeverityCritical},
		{Severity: anomaly.SeverityCritical},
		{Severity: anomaly.SeverityCritical},
		{Severity: anomaly.SeverityCritical},
		{Severity: anomaly.SeverityCritical},
	}
	score := Compute(flags, DefaultBaseScore, MinScore, MaxScore)
	require.Equal(t, 0.0, score)
}
