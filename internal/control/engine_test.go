package control

import "testing"

func TestReconcileWindow(t *testing.T) {
	tests := []struct {
		name   string
		head   uint64
		window uint64
		start  uint64
		end    uint64
		ok     bool
	}{
		{"zero window", 1000, 0, 0, 0, false},
		{"young chain", 10, 100, 0, 0, false},
		{"head equals window", 100, 100, 0, 0, false},
		{"just below threshold", 149, 100, 0, 0, false},
		{"at threshold", 150, 100, 1, 100, true},
		{"tall chain", 10_000, 100, 9_851, 9_950, true},
		{"odd window", 150, 99, 3, 101, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, ok := reconcileWindow(tt.head, tt.window)
			if ok != tt.ok {
				t.Fatalf("reconcileWindow(%d, %d) ok = %v, want %v",
					tt.head, tt.window, ok, tt.ok)
			}
			if start != tt.start || end != tt.end {
				t.Fatalf("reconcileWindow(%d, %d) = [%d, %d], want [%d, %d]",
					tt.head, tt.window, start, end, tt.start, tt.end)
			}
		})
	}
}
