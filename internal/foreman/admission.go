package foreman

import (
	"context"
	"fmt"
	"sync"

	"data-refinery/internal/models"
	"data-refinery/internal/telemetry"
)

// admission caps dispatched-but-unresolved jobs per RAM tier. Downloader and
// processor jobs share a tier because they share instance classes. One gate
// is shared by every procedure in a pass.
type admission struct {
	mu          sync.Mutex
	ceiling     int
	outstanding map[int]int
}

func (f *Foreman) newAdmission(ctx context.Context) (*admission, error) {
	a := &admission{ceiling: f.settings.MaxOutstandingPerRAMTier, outstanding: make(map[int]int)}
	for _, kind := range kinds {
		counts, err := f.store.CountOutstandingByRAM(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("count outstanding %s jobs: %w", kind, err)
		}
		for ram, n := range counts {
			a.outstanding[ram] += n
		}
	}
	return a, nil
}

// admit reserves a slot in the RAM tier, or reports false when it is full.
func (a *admission) admit(kind models.JobKind, ram int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ceiling > 0 && a.outstanding[ram] >= a.ceiling {
		telemetry.AdmissionDeferred.WithLabelValues(string(kind)).Inc()
		return false
	}
	a.outstanding[ram]++
	return true
}

// release returns a slot whose dispatch did not happen.
func (a *admission) release(ram int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outstanding[ram] > 0 {
		a.outstanding[ram]--
	}
}
