package observability

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/chatstream/internal/delta"
	"github.com/ent0n29/chatstream/internal/sse"
)

// LatencyStats summarises the recent samples of one stream stage.
type LatencyStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target,omitempty"`
}

// FrameStats counts frames per parse stage since start. Recovered is the
// share of parsed frames that needed more than a strict parse.
type FrameStats struct {
	ByStage   map[sse.Stage]int `json:"by_stage"`
	Dropped   int               `json:"dropped"`
	Recovered float64           `json:"recovered_ratio"`
}

type StreamWindowSnapshot struct {
	GeneratedAt time.Time            `json:"generated_at"`
	WindowSize  int                  `json:"window_size"`
	Stages      []LatencyStats       `json:"stages"`
	Frames      FrameStats           `json:"frames"`
	Outcomes    map[delta.Status]int `json:"outcomes"`
}

// streamWindow keeps the last N latency samples for the first-render and
// total-duration stages, next to running frame and outcome counts.
type streamWindow struct {
	mu       sync.Mutex
	size     int
	latency  map[string][]time.Duration
	frames   map[sse.Stage]int
	dropped  int
	outcomes map[delta.Status]int
}

func newStreamWindow(size int) *streamWindow {
	if size <= 0 {
		size = 256
	}
	return &streamWindow{
		size:     size,
		latency:  make(map[string][]time.Duration),
		frames:   make(map[sse.Stage]int),
		outcomes: make(map[delta.Status]int),
	}
}

func (w *streamWindow) observeLatency(stage string, d time.Duration) {
	if d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	samples := w.latency[stage]
	if len(samples) == w.size {
		copy(samples, samples[1:])
		samples = samples[:len(samples)-1]
	}
	w.latency[stage] = append(samples, d)
}

func (w *streamWindow) frameParsed(stage sse.Stage) {
	w.mu.Lock()
	w.frames[stage]++
	w.mu.Unlock()
}

func (w *streamWindow) frameDropped() {
	w.mu.Lock()
	w.dropped++
	w.mu.Unlock()
}

func (w *streamWindow) finished(status delta.Status) {
	w.mu.Lock()
	w.outcomes[status]++
	w.mu.Unlock()
}

func (w *streamWindow) snapshot() StreamWindowSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StreamWindowSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]LatencyStats, 0, len(w.latency)),
		Frames: FrameStats{
			ByStage: make(map[sse.Stage]int, len(w.frames)),
			Dropped: w.dropped,
		},
		Outcomes: make(map[delta.Status]int, len(w.outcomes)),
	}

	for _, stage := range []string{StageFirstRender, StageStreamTotal} {
		samples := w.latency[stage]
		if len(samples) == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, latencyStats(stage, samples))
	}

	parsed, recovered := 0, 0
	for stage, n := range w.frames {
		snap.Frames.ByStage[stage] = n
		parsed += n
		if stage != sse.StageStrict {
			recovered += n
		}
	}
	if parsed > 0 {
		snap.Frames.Recovered = math.Round(float64(recovered)/float64(parsed)*1000) / 1000
	}
	for status, n := range w.outcomes {
		snap.Outcomes[status] = n
	}
	return snap
}

func latencyStats(stage string, samples []time.Duration) LatencyStats {
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	target := stageTarget(stage)
	over := 0
	if target > 0 {
		for _, d := range sorted {
			if d > target {
				over++
			}
		}
	}
	return LatencyStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      millis(samples[len(samples)-1]),
		P50MS:       millis(nearestRank(sorted, 50)),
		P95MS:       millis(nearestRank(sorted, 95)),
		MaxMS:       millis(sorted[len(sorted)-1]),
		TargetP95MS: millis(target),
		OverTarget:  over,
	}
}

// nearestRank returns the smallest sample with at least p percent of the
// samples at or below it.
func nearestRank(sorted []time.Duration, p int) time.Duration {
	rank := int(math.Ceil(float64(p) / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}

func stageTarget(stage string) time.Duration {
	switch stage {
	case StageFirstRender:
		return 550 * time.Millisecond
	case StageStreamTotal:
		return 30 * time.Second
	default:
		return 0
	}
}
