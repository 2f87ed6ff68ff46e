package connmgr

import (
	"testing"
	"time"
)

func TestConnectionFailoverS5(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	status := Status{Active: None}

	status = applyEventPure(status, LteRegistered, t0)
	if status.Active != Lte {
		t.Fatalf("after LteRegistered: active = %v, want Lte", status.Active)
	}

	// 3s later, WiFiConnected: debounce window (10s) not yet elapsed.
	status = applyEventPure(status, WiFiConnected, t0.Add(3*time.Second))
	if status.Active != Lte {
		t.Fatalf("after early WiFiConnected: active = %v, want Lte (debounced)", status.Active)
	}

	// 11s after the LTE switch, WiFiConnected again: debounce elapsed.
	status = applyEventPure(status, WiFiConnected, t0.Add(11*time.Second))
	if status.Active != WiFi {
		t.Fatalf("after later WiFiConnected: active = %v, want WiFi", status.Active)
	}

	status = applyEventPure(status, WiFiDisconnected, t0.Add(12*time.Second))
	if status.Active != Lte {
		t.Fatalf("after WiFiDisconnected: active = %v, want Lte", status.Active)
	}
	if status.SwitchCount != 3 {
		t.Fatalf("switch_count = %d, want 3", status.SwitchCount)
	}
}

func TestCanSwitchTo(t *testing.T) {
	cases := []struct {
		name   string
		status Status
		target Active
		want   bool
	}{
		{"wifi available", Status{WiFiAvailable: true}, WiFi, true},
		{"wifi unavailable", Status{WiFiAvailable: false}, WiFi, false},
		{"lte available", Status{LteAvailable: true}, Lte, true},
		{"none always ok", Status{}, None, true},
		{"switching never a target", Status{}, Switching, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := canSwitchTo(tc.status, tc.target); got != tc.want {
				t.Errorf("canSwitchTo() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLteRegisteredDoesNotPreemptActiveWiFi(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	status := Status{Active: WiFi, WiFiAvailable: true, LastSwitch: t0}

	status2 := applyEventPure(status, LteRegistered, t0.Add(9*time.Second))
	if status2.Active != WiFi {
		t.Fatalf("active = %v, want WiFi to remain (lte registering doesn't preempt an active wifi link)", status2.Active)
	}
}
