package systemd

import "testing"

func TestGetListenersWithoutActivation(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	listeners, err := GetListeners()
	if err != nil {
		t.Fatalf("GetListeners failed: %v", err)
	}
	if listeners.Activated || listeners.Bridge != nil || listeners.Metrics != nil {
		t.Fatalf("Expected no listeners outside socket activation, got %+v", listeners)
	}
}

func TestNotifyOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	for name, notify := range map[string]func() error{
		"ready":    NotifyReady,
		"stopping": NotifyStopping,
		"watchdog": NotifyWatchdog,
	} {
		if err := notify(); err != nil {
			t.Errorf("%s: expected no-op outside systemd, got %v", name, err)
		}
	}
}

func TestWatchdogDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	t.Setenv("WATCHDOG_PID", "")

	interval, err := WatchdogInterval()
	if err != nil {
		t.Fatalf("WatchdogInterval failed: %v", err)
	}
	if interval != 0 {
		t.Fatalf("Expected watchdog disabled, got %v", interval)
	}
}
