package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Target p95 durations per run kind. Runs above target are counted in
// LatencyStats.OverTarget.
var targetP95 = map[string]float64{
	"lint":        1500,
	"autocorrect": 3000,
}

type LatencyStats struct {
	Kind        string  `json:"kind"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target,omitempty"`
}

// Indicator counts non-ok run outcomes, e.g. "lint_timeout".
type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Kinds       []LatencyStats `json:"kinds"`
	Indicators  []Indicator    `json:"indicators,omitempty"`
}

// ring holds the newest samples of one run kind.
type ring struct {
	buf  []float64
	head int
	n    int
}

func (r *ring) add(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *ring) last() float64 {
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)]
}

// sorted returns a sorted copy of the held samples.
func (r *ring) sorted() []float64 {
	out := make([]float64, 0, r.n)
	if r.n < len(r.buf) {
		out = append(out, r.buf[:r.n]...)
	} else {
		out = append(out, r.buf...)
	}
	sort.Float64s(out)
	return out
}

// LatencyWindow keeps the most recent run durations per kind.
type LatencyWindow struct {
	size int

	mu       sync.Mutex
	rings    map[string]*ring
	outcomes map[string]int
}

func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 256
	}
	return &LatencyWindow{
		size:     size,
		rings:    make(map[string]*ring),
		outcomes: make(map[string]int),
	}
}

func (w *LatencyWindow) Observe(kind string, ms float64) {
	if kind == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[kind]
	if r == nil {
		r = &ring{buf: make([]float64, w.size)}
		w.rings[kind] = r
	}
	r.add(ms)
}

func (w *LatencyWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.outcomes[name]++
	w.mu.Unlock()
}

func (w *LatencyWindow) Snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Kinds:       make([]LatencyStats, 0, len(w.rings)),
	}
	for kind, r := range w.rings {
		if r.n > 0 {
			snap.Kinds = append(snap.Kinds, summarize(kind, r))
		}
	}
	sort.Slice(snap.Kinds, func(i, j int) bool { return snap.Kinds[i].Kind < snap.Kinds[j].Kind })

	for name, count := range w.outcomes {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: count})
	}
	sort.Slice(snap.Indicators, func(i, j int) bool { return snap.Indicators[i].Name < snap.Indicators[j].Name })
	return snap
}

func (w *LatencyWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rings = make(map[string]*ring)
	w.outcomes = make(map[string]int)
}

func summarize(kind string, r *ring) LatencyStats {
	samples := r.sorted()
	target := targetP95[kind]

	var sum float64
	over := 0
	for _, v := range samples {
		sum += v
		if target > 0 && v > target {
			over++
		}
	}
	return LatencyStats{
		Kind:        kind,
		Samples:     len(samples),
		LastMS:      round2(r.last()),
		AvgMS:       round2(sum / float64(len(samples))),
		P50MS:       nearestRank(samples, 0.50),
		P95MS:       nearestRank(samples, 0.95),
		P99MS:       nearestRank(samples, 0.99),
		TargetP95MS: target,
		OverTarget:  over,
	}
}

// nearestRank returns the q-quantile of sorted samples without
// interpolation, so every reported value is an observed duration.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return round2(sorted[rank-1])
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
