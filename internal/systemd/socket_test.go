package systemd

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNotActivated(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	listeners, err := GetListeners()
	if err != nil {
		t.Fatalf("GetListeners failed: %v", err)
	}
	if listeners.Activated || listeners.API != nil || listeners.Metrics != nil {
		t.Errorf("Expected no activated listeners, got %+v", listeners)
	}

	if err := NotifyReady(); err != nil {
		t.Errorf("NotifyReady outside systemd should be a no-op: %v", err)
	}
	if err := NotifyStopping(); err != nil {
		t.Errorf("NotifyStopping outside systemd should be a no-op: %v", err)
	}
	if got := WatchdogInterval(); got != 0 {
		t.Errorf("Expected watchdog disabled, got %v", got)
	}
}

func TestRunWatchdogReturnsWhenDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")

	done := make(chan struct{})
	go func() {
		RunWatchdog(make(chan struct{}), zerolog.Nop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunWatchdog should return immediately when disabled")
	}
}
