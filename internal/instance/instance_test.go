package instance

import (
	"context"
	"os"
	"testing"
)

func TestInfoDescribesThisProcess(t *testing.T) {
	inst := New("server-1")
	info, err := inst.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.ID != "server-1" || inst.ID() != "server-1" {
		t.Errorf("ID = %q", info.ID)
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", info.PID, os.Getpid())
	}
	if info.Goroutines < 1 {
		t.Errorf("Goroutines = %d", info.Goroutines)
	}
	if info.StartedAt == 0 {
		t.Error("StartedAt not set")
	}
}
