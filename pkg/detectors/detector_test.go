package detectors

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPercentageString(t *testing.T) {
	start := time.Date(2019, 8, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Minute)

	tests := []struct {
		name string
		p    Percentage
		want string
	}{
		{name: "normal", p: Percentage{Kind: PercentNormal}, want: "Normal"},
		{name: "observing", p: Percentage{Kind: PercentObserving}, want: "observing"},
		{
			name: "verdict",
			p:    Percentage{Kind: PercentVerdict, Start: start, End: end, Fraction: 0.667},
			want: "[2019-08-01 10:00, 2019-08-01 10:02, 0.667]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.String())
		})
	}
}

func TestLabelAndEntity(t *testing.T) {
	assert.Equal(t, "Anomaly", Anomaly.String())
	assert.Equal(t, "Normal", Normal.String())
	assert.Equal(t, "10.0.0.1_WEB", EntityID{Gateway: "10.0.0.1", Service: "WEB"}.String())
}
