package swarm

import "fmt"

// Range is an inclusive [Min, Max] integer range, used for per-peer capacity
// sampling.
type Range struct {
	Min int
	Max int
}

// Empty reports whether the range contains no values.
func (r Range) Empty() bool { return r.Min > r.Max }

// Config carries everything the simulator needs. The policy knobs at the
// bottom default to the classic values; DefaultConfig fills them in.
type Config struct {
	Peers      int     // total peer count, seeder included
	Chunks     int     // chunks in the complete torrent
	JoinProb   float64 // Bernoulli p that a disconnected peer joins, per tick
	LeaveProb  float64 // Bernoulli p that a connected peer leaves, per tick
	Upload     Range   // chunks/tick a peer may send
	Download   Range   // chunks/tick a peer may accept
	Freeriders int     // peers that never upload

	Seed int64 // master RNG seed; 0 draws one from system entropy

	// Policy knobs. Changing these changes cadence, not semantics.
	DesiredPeerCount int // neighbourhood size to sample up to
	RefillThreshold  int // top up the neighbourhood below this size
	ReorderEvery     int // ticks between contribution re-ranks
	UnchokeEvery     int // ticks between optimistic unchokes
	ChurnEvery       int // ticks between neighbourhood churns

	Workers int  // parallelism of the transfer stages; 0 means NumCPU
	Serial  bool // force the single-threaded executor for reproducible runs
}

// DefaultConfig returns a config with the standard defaults for everything
// that has one. Peers and Chunks have no default and must be set.
func DefaultConfig() Config {
	return Config{
		JoinProb:         0.2,
		LeaveProb:        0.01,
		Upload:           Range{Min: 10, Max: 10},
		Download:         Range{Min: 100, Max: 100},
		DesiredPeerCount: DesiredPeerCount,
		RefillThreshold:  20,
		ReorderEvery:     10,
		UnchokeEvery:     30,
		ChurnEvery:       120,
	}
}

// Validate checks the constraints on a config and returns the first
// violation found.
func (c Config) Validate() error {
	if c.Peers < 2 {
		return fmt.Errorf("peers must be at least 2, got %d", c.Peers)
	}
	if c.Chunks < 2 {
		return fmt.Errorf("chunks must be at least 2, got %d", c.Chunks)
	}
	if c.JoinProb <= 0 || c.JoinProb > 1 {
		return fmt.Errorf("join probability must be in (0, 1], got %g", c.JoinProb)
	}
	if c.LeaveProb < 0 || c.LeaveProb >= c.JoinProb {
		return fmt.Errorf("leave probability must be in [0, join), got %g with join %g", c.LeaveProb, c.JoinProb)
	}
	if c.Upload.Empty() || c.Upload.Min < 0 {
		return fmt.Errorf("upload range must be non-empty and non-negative, got %d,%d", c.Upload.Min, c.Upload.Max)
	}
	if c.Download.Empty() || c.Download.Min < 0 {
		return fmt.Errorf("download range must be non-empty and non-negative, got %d,%d", c.Download.Min, c.Download.Max)
	}
	if c.Freeriders < 0 || c.Freeriders >= c.Peers {
		return fmt.Errorf("freeriders must be in [0, peers), got %d with %d peers", c.Freeriders, c.Peers)
	}
	if c.DesiredPeerCount < 1 {
		return fmt.Errorf("desired peer count must be positive, got %d", c.DesiredPeerCount)
	}
	if c.RefillThreshold < 0 || c.RefillThreshold > c.DesiredPeerCount {
		return fmt.Errorf("refill threshold must be in [0, desired peer count], got %d", c.RefillThreshold)
	}
	if c.ReorderEvery < 1 || c.UnchokeEvery < 1 || c.ChurnEvery < 1 {
		return fmt.Errorf("maintenance cadences must be positive")
	}
	return nil
}
