package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReporter_Aggregation(t *testing.T) {
	tests := []struct {
		name     string
		statuses map[string]string
		want     string
	}{
		{"All OK", map[string]string{"database": StatusOK, "audio": StatusOK}, StatusOK},
		{"One degraded", map[string]string{"database": StatusOK, "audio": StatusDegraded}, StatusDegraded},
		{"Down wins over degraded", map[string]string{"database": StatusDown, "audio": StatusDegraded}, StatusDown},
		{"No probes", map[string]string{}, StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReporter()
			for name, status := range tt.statuses {
				s := status
				r.Register(name, func() string { return s })
			}

			rep := r.Check()
			assert.Equal(t, tt.want, rep.Status)
			assert.Len(t, rep.Subsystems, len(tt.statuses))
			for name, status := range tt.statuses {
				assert.Equal(t, status, rep.Subsystems[name])
			}
		})
	}
}

func TestReporter_RegisterReplaces(t *testing.T) {
	r := NewReporter()
	r.Register("nfc", func() string { return StatusDown })
	r.Register("nfc", func() string { return StatusOK })

	assert.Equal(t, StatusOK, r.Check().Status)
}

func TestReporter_ProbesRunFresh(t *testing.T) {
	r := NewReporter()
	healthy := true
	r.Register("audio", BoolProbe(func() bool { return healthy }))

	assert.Equal(t, StatusOK, r.Check().Status)
	healthy = false
	assert.Equal(t, StatusDegraded, r.Check().Status, "each check re-runs the probe")
}
