package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Minute)
	stale := now.Add(-OfflineThreshold - time.Second)
	edge := now.Add(-OfflineThreshold)

	tests := []struct {
		name     string
		lastSeen *time.Time
		updates  int
		security int
		reboot   bool
		want     Status
	}{
		{"never seen", nil, 3, 2, true, StatusOffline},
		{"stale beats everything", &stale, 3, 2, true, StatusOffline},
		{"exactly at threshold is online", &edge, 0, 0, false, StatusUpToDate},
		{"security before updates", &recent, 3, 1, true, StatusSecurity},
		{"updates before reboot", &recent, 2, 0, true, StatusUpdates},
		{"reboot only", &recent, 0, 0, true, StatusReboot},
		{"clean", &recent, 0, 0, false, StatusUpToDate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.lastSeen, tt.updates, tt.security, tt.reboot, now))
		})
	}
}

func TestEvaluateExhaustive(t *testing.T) {
	now := time.Now()
	recent := now.Add(-5 * time.Minute)
	stale := now.Add(-11 * time.Minute)

	for _, seen := range []*time.Time{nil, &stale, &recent} {
		for _, updates := range []int{0, 1} {
			for _, security := range []int{0, 1} {
				for _, reboot := range []bool{false, true} {
					got := Evaluate(seen, updates, security, reboot, now)
					var want Status
					switch {
					case seen == nil || seen == &stale:
						want = StatusOffline
					case security > 0:
						want = StatusSecurity
					case updates > 0:
						want = StatusUpdates
					case reboot:
						want = StatusReboot
					default:
						want = StatusUpToDate
					}
					assert.Equal(t, want, got, "seen=%v updates=%d security=%d reboot=%v", seen, updates, security, reboot)
				}
			}
		}
	}
}

func TestIsOffline(t *testing.T) {
	now := time.Now()
	assert.True(t, IsOffline(nil, now))

	seen := now.Add(-OfflineThreshold - time.Millisecond)
	assert.True(t, IsOffline(&seen, now))

	seen = now.Add(-OfflineThreshold + time.Second)
	assert.False(t, IsOffline(&seen, now))
}
