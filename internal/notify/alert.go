package notify

import "github.com/jobmesh/relay/internal/store"

// Alert is the presentation decision for one incoming notification.
type Alert struct {
	// Show indicates an OS-level alert should be raised.
	Show bool

	// Silent suppresses the alert sound. High priority always sounds.
	Silent bool
}

// DecideAlert determines how a notification should surface given the
// client's alert permission and whether its window is visible. A
// visible window shows the notification in-app, so no OS alert is
// raised for it.
func DecideAlert(permissionGranted, windowVisible bool, priority string) Alert {
	if !permissionGranted || windowVisible {
		return Alert{}
	}

	return Alert{
		Show:   true,
		Silent: priority != store.PriorityHigh,
	}
}
