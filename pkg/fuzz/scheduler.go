package fuzz

import (
	"sort"
	"time"
)

// ScheduleEntry tracks the scheduling score of one input.
type ScheduleEntry struct {
	Data            []byte
	Score           float64
	LastExecTime    float64
	LastNewCoverage bool
	UpdatedAt       time.Time
	order           int
}

// SchedulerSnapshot summarizes scheduler state for plan reports. Only
// counts are exposed, never payloads.
type SchedulerSnapshot struct {
	Enabled       bool `json:"enabled"`
	TrackedInputs int  `json:"tracked_inputs"`
	TopInputs     int  `json:"top_inputs"`
}

// PowerScheduler assigns each input an exponentially smoothed score
// rewarding fast executions and new coverage.
type PowerScheduler struct {
	alpha   float64
	entries map[string]*ScheduleEntry
	nextOrd int
}

// NewPowerScheduler creates a scheduler with the given smoothing factor.
// Alpha outside (0, 1] falls back to 0.5.
func NewPowerScheduler(alpha float64) *PowerScheduler {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.5
	}
	return &PowerScheduler{
		alpha:   alpha,
		entries: make(map[string]*ScheduleEntry),
	}
}

// UpdateScore folds one execution into the input's score: the execution
// time is exponentially smoothed, fast runs raise the score, and a run
// that found new coverage adds a flat boost.
func (s *PowerScheduler) UpdateScore(data []byte, foundNewCoverage bool, execTime float64) {
	if execTime < 0 {
		execTime = 0
	}
	key := string(data)
	entry, ok := s.entries[key]
	if !ok {
		payload := make([]byte, len(data))
		copy(payload, data)
		entry = &ScheduleEntry{Data: payload, order: s.nextOrd}
		s.nextOrd++
		s.entries[key] = entry
	}

	entry.LastExecTime = s.alpha*execTime + (1-s.alpha)*entry.LastExecTime
	entry.Score = (1-s.alpha)*entry.Score + s.alpha/(1+execTime)
	if foundNewCoverage {
		entry.Score += 1.0
	}
	entry.LastNewCoverage = foundNewCoverage
	entry.UpdatedAt = time.Now()
}

// GetTopInputs returns up to k payloads ordered by descending score,
// ties broken by insertion order.
func (s *PowerScheduler) GetTopInputs(k int) [][]byte {
	if k <= 0 {
		return nil
	}
	ranked := s.ranked()
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([][]byte, len(ranked))
	for i, entry := range ranked {
		out[i] = entry.Data
	}
	return out
}

// SelectInput returns the highest-scoring choice; ties are broken by
// earlier position in choices. Unknown inputs score zero.
func (s *PowerScheduler) SelectInput(choices [][]byte) []byte {
	if len(choices) == 0 {
		return nil
	}
	best := choices[0]
	bestScore := s.scoreOf(choices[0])
	for _, choice := range choices[1:] {
		if score := s.scoreOf(choice); score > bestScore {
			best = choice
			bestScore = score
		}
	}
	return best
}

// Snapshot returns a count-only view of the scheduler.
func (s *PowerScheduler) Snapshot() SchedulerSnapshot {
	return SchedulerSnapshot{
		Enabled:       true,
		TrackedInputs: len(s.entries),
		TopInputs:     len(s.GetTopInputs(5)),
	}
}

// Len returns the number of tracked inputs.
func (s *PowerScheduler) Len() int {
	return len(s.entries)
}

func (s *PowerScheduler) scoreOf(data []byte) float64 {
	if entry, ok := s.entries[string(data)]; ok {
		return entry.Score
	}
	return 0
}

func (s *PowerScheduler) ranked() []*ScheduleEntry {
	ranked := make([]*ScheduleEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		ranked = append(ranked, entry)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].order < ranked[j].order
	})
	return ranked
}
