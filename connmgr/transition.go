package connmgr

import "time"

// This file holds the pure, clock-injected core of the state machine so
// it can be unit tested without real sleeps, mirroring the teacher's
// pattern of splitting pure decision logic (isInCollectionWindow) out
// from the task/goroutine plumbing that drives it.

// applyEventPure computes the next status for an event at time now,
// without performing the Switching quiet window (callers that need the
// transient Switching value use Manager.Run's goroutine-driven path).
func applyEventPure(status Status, ev Event, now time.Time) Status {
	switch ev {
	case WiFiConnected:
		status.WiFiAvailable = true
		if shouldPreferWiFiAt(status, now) {
			status = commitSwitch(status, WiFi, now)
		}
	case WiFiDisconnected:
		status.WiFiAvailable = false
		if status.Active == WiFi {
			if status.LteAvailable {
				status = commitSwitch(status, Lte, now)
			} else {
				status.Active = None
			}
		}
	case LteConnected, LteRegistered:
		status.LteAvailable = true
		if status.Active == None && !status.WiFiAvailable {
			status = commitSwitch(status, Lte, now)
		}
	case LteDisconnected, LteUnregistered:
		status.LteAvailable = false
		if status.Active == Lte {
			if status.WiFiAvailable {
				status = commitSwitch(status, WiFi, now)
			} else {
				status.Active = None
			}
		}
	}
	return status
}

func shouldPreferWiFiAt(status Status, now time.Time) bool {
	return status.WiFiAvailable && status.Active != WiFi && !isRecentlySwitchedAt(status, now)
}

func isRecentlySwitchedAt(status Status, now time.Time) bool {
	if status.LastSwitch.IsZero() {
		return false
	}
	return now.Sub(status.LastSwitch) < switchDebounceTime
}

func commitSwitch(status Status, target Active, now time.Time) Status {
	if status.Active == target {
		return status
	}
	status.Active = target
	status.LastSwitch = now
	status.SwitchCount++
	return status
}
