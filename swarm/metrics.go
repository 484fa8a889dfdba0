package swarm

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Metrics aggregates run-wide statistics for final reporting. Transfer and
// completion recording happens inside parallel stages, so the struct is
// internally locked.
type Metrics struct {
	mu sync.Mutex

	TotalTransfers int // chunks moved across the whole run
	Connects       int // admission events
	Disconnects    int // eviction events

	completionTick map[PeerID]int // peer -> tick its last chunk arrived
}

// NewMetrics returns an empty metrics aggregate.
func NewMetrics() *Metrics {
	return &Metrics{completionTick: make(map[PeerID]int)}
}

// RecordTransfers adds n accepted transfers.
func (m *Metrics) RecordTransfers(n int) {
	m.mu.Lock()
	m.TotalTransfers += n
	m.mu.Unlock()
}

// RecordConnect counts one admission.
func (m *Metrics) RecordConnect() {
	m.mu.Lock()
	m.Connects++
	m.mu.Unlock()
}

// RecordDisconnect counts one eviction.
func (m *Metrics) RecordDisconnect() {
	m.mu.Lock()
	m.Disconnects++
	m.mu.Unlock()
}

// RecordCompletion notes the tick at which a peer finished the torrent. Only
// the first completion per peer counts.
func (m *Metrics) RecordCompletion(id PeerID, tick int) {
	m.mu.Lock()
	if _, ok := m.completionTick[id]; !ok {
		m.completionTick[id] = tick
	}
	m.mu.Unlock()
}

// Completions returns a copy of the peer -> completion-tick table.
func (m *Metrics) Completions() map[PeerID]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[PeerID]int, len(m.completionTick))
	for id, t := range m.completionTick {
		out[id] = t
	}
	return out
}

// completionTicks returns the sorted completion ticks as float64s for the
// stat helpers.
func (m *Metrics) completionTicks() []float64 {
	ticks := make([]float64, 0, len(m.completionTick))
	for _, t := range m.completionTick {
		ticks = append(ticks, float64(t))
	}
	sort.Float64s(ticks)
	return ticks
}

// Print writes the end-of-run summary.
func (m *Metrics) Print(w io.Writer, totalTicks int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fmt.Fprintln(w, "=== Swarm Metrics ===")
	fmt.Fprintf(w, "Ticks                : %d\n", totalTicks)
	fmt.Fprintf(w, "Transfers            : %d\n", m.TotalTransfers)
	fmt.Fprintf(w, "Connects             : %d\n", m.Connects)
	fmt.Fprintf(w, "Disconnects          : %d\n", m.Disconnects)

	ticks := m.completionTicks()
	if len(ticks) == 0 {
		return
	}
	fmt.Fprintf(w, "Peers finished       : %d\n", len(ticks))
	fmt.Fprintf(w, "Completion tick mean : %.2f\n", stat.Mean(ticks, nil))
	if len(ticks) > 1 {
		fmt.Fprintf(w, "Completion tick sdev : %.2f\n", stat.StdDev(ticks, nil))
	}
	fmt.Fprintf(w, "Completion tick p50  : %.0f\n", stat.Quantile(0.5, stat.Empirical, ticks, nil))
	fmt.Fprintf(w, "Completion tick p90  : %.0f\n", stat.Quantile(0.9, stat.Empirical, ticks, nil))
	if totalTicks > 0 {
		fmt.Fprintf(w, "Transfers per tick   : %.2f\n", float64(m.TotalTransfers)/float64(totalTicks))
	}
}
