package capacity

import (
	"sort"
	"time"

	"github.com/router-for-me/gpulease/internal/models"
)

// IsImmune reports whether m is still inside its eviction immunity window at now.
func IsImmune(m models.Model, now time.Time, immunity time.Duration) bool {
	if !m.Enabled || m.EnabledAt == nil {
		return false
	}
	return now.Sub(*m.EnabledAt) <= immunity
}

// ImmuneUntil returns when m becomes evictable, or the zero time when it is not enabled.
func ImmuneUntil(m models.Model, immunity time.Duration) time.Time {
	if !m.Enabled || m.EnabledAt == nil {
		return time.Time{}
	}
	return m.EnabledAt.Add(immunity)
}

// SelectVictims picks the oldest-enabled, non-immune models whose GPUs cover deficit.
//
// Candidates are ordered by enablement time, then ID, and taken greedily until the
// freed total reaches deficit. Models that hold no GPUs are never chosen. When the
// candidates cannot cover deficit, no plan is returned.
func SelectVictims(enabled []models.Model, deficit int, now time.Time, immunity time.Duration) ([]models.Model, error) {
	if deficit <= 0 {
		return nil, nil
	}

	candidates := make([]models.Model, 0, len(enabled))
	for _, m := range enabled {
		if !m.Enabled || m.EnabledAt == nil || m.GPUs() <= 0 {
			continue
		}
		if IsImmune(m, now, immunity) {
			continue
		}
		candidates = append(candidates, m)
	}

	sort.Slice(candidates, func(i, j int) bool {
		left, right := candidates[i].EnabledAt, candidates[j].EnabledAt
		if !left.Equal(*right) {
			return left.Before(*right)
		}
		return candidates[i].ID < candidates[j].ID
	})

	freed := 0
	for i := range candidates {
		freed += candidates[i].GPUs()
		if freed >= deficit {
			return candidates[:i+1], nil
		}
	}
	return nil, ErrInsufficientEvictableCapacity
}
