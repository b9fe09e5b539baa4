// Package fleet derives server health from liveness and inventory.
package fleet

import "time"

// OfflineThreshold is how long a server may go unseen before it counts as
// offline. The status evaluator and the offline alert sweep both use it.
const OfflineThreshold = 10 * time.Minute

// Status is the computed health of a server.
type Status string

const (
	StatusOffline  Status = "OFFLINE"
	StatusSecurity Status = "SECURITY"
	StatusUpdates  Status = "UPDATES"
	StatusReboot   Status = "REBOOT"
	StatusUpToDate Status = "UP_TO_DATE"
)

// AllStatuses lists every status in evaluation order.
var AllStatuses = []Status{StatusOffline, StatusSecurity, StatusUpdates, StatusReboot, StatusUpToDate}

// IsOffline reports whether a server last seen at lastSeen is offline at now.
func IsOffline(lastSeen *time.Time, now time.Time) bool {
	return lastSeen == nil || now.Sub(*lastSeen) > OfflineThreshold
}

// Evaluate maps liveness and inventory counts to a Status. The first
// matching rule wins: offline, security updates, updates, reboot.
func Evaluate(lastSeen *time.Time, updatesCount, securityCount int, rebootRequired bool, now time.Time) Status {
	switch {
	case IsOffline(lastSeen, now):
		return StatusOffline
	case securityCount > 0:
		return StatusSecurity
	case updatesCount > 0:
		return StatusUpdates
	case rebootRequired:
		return StatusReboot
	default:
		return StatusUpToDate
	}
}
