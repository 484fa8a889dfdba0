package swarm

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/sirupsen/logrus"
)

// Simulator owns the swarm: two peer pools, the RNG, and the tick pipeline.
//
// Between stages the simulator is the single logical owner of all state. The
// three transfer stages (gather, distribute, accept) fan out over connected
// peers and join before the next stage; admission, eviction, maintenance, and
// counter advancement run single-threaded.
type Simulator struct {
	cfg  Config
	sink EventSink

	connected    *Pool[Peer]
	disconnected *Pool[Peer]

	// loc tracks which pool currently holds each peer. PeerIDs are stable
	// across moves; handles are not.
	loc map[PeerID]location

	rng     *PartitionedRNG
	metrics *Metrics
	tick    int
}

type location struct {
	pool   *Pool[Peer]
	handle Handle
}

// NewSimulator validates cfg, builds both pools, and seats the initial
// population: one seeder in connected with every chunk, the regular peers and
// then the freeriders in disconnected with none.
func NewSimulator(cfg Config, sink EventSink) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = NopSink{}
	}

	s := &Simulator{
		cfg:          cfg,
		sink:         sink,
		connected:    NewPool[Peer](cfg.Peers),
		disconnected: NewPool[Peer](cfg.Peers),
		loc:          make(map[PeerID]location, cfg.Peers),
		rng:          NewPartitionedRNG(cfg.Seed),
		metrics:      NewMetrics(),
	}

	capacity := s.rng.ForSubsystem(SubsystemCapacity)
	sampleUpload := func() int {
		return cfg.Upload.Min + capacity.Intn(cfg.Upload.Max-cfg.Upload.Min+1)
	}
	sampleDownload := func() int {
		return cfg.Download.Min + capacity.Intn(cfg.Download.Max-cfg.Download.Min+1)
	}

	uid := PeerID(0)
	seeder := NewPeer(uid, sampleUpload(), sampleDownload(), cfg.Chunks, true)
	h := s.connected.Construct(*seeder)
	s.loc[uid] = location{pool: s.connected, handle: h}
	uid++

	for i := 0; i < cfg.Peers-1-cfg.Freeriders; i++ {
		p := NewPeer(uid, sampleUpload(), sampleDownload(), cfg.Chunks, false)
		h := s.disconnected.Construct(*p)
		s.loc[uid] = location{pool: s.disconnected, handle: h}
		uid++
	}
	for i := 0; i < cfg.Freeriders; i++ {
		p := NewPeer(uid, 0, sampleDownload(), cfg.Chunks, false)
		h := s.disconnected.Construct(*p)
		s.loc[uid] = location{pool: s.disconnected, handle: h}
		uid++
	}

	logrus.Infof("swarm ready: %d peers (%d freeriders), %d chunks, join=%g leave=%g, seed=%d",
		cfg.Peers, cfg.Freeriders, cfg.Chunks, cfg.JoinProb, cfg.LeaveProb, s.rng.Seed())

	return s, nil
}

// Seed returns the effective master seed of this run.
func (s *Simulator) Seed() int64 { return s.rng.Seed() }

// TickCount returns the number of completed ticks.
func (s *Simulator) TickCount() int { return s.tick }

// Metrics returns the run's aggregated metrics.
func (s *Simulator) Metrics() *Metrics { return s.metrics }

// Connected resolves id to its peer iff the peer is currently in the
// connected pool. Implements Directory.
func (s *Simulator) Connected(id PeerID) *Peer {
	l, ok := s.loc[id]
	if !ok || l.pool != s.connected {
		return nil
	}
	return s.connected.Get(l.handle)
}

// ConnectedCount returns the number of currently connected peers.
func (s *Simulator) ConnectedCount() int { return s.connected.Len() }

// Tick runs one full pass of the pipeline:
// admit, maintain, advance counters, gather offers, distribute, accept, evict.
func (s *Simulator) Tick() {
	s.tick++
	s.sink.Tick(s.tick)

	s.admitPeers()
	s.periodicTasks()
	s.advanceCounters()
	offers := s.gatherOffers()
	s.distributeOffers(offers)
	s.acceptAll()
	s.evictPeers()

	logrus.Debugf("tick %d: %d connected, %d offer targets, %d transfers so far",
		s.tick, s.connected.Len(), len(offers), s.metrics.TotalTransfers)
}

// AllDone reports whether every peer in both pools owns every chunk.
func (s *Simulator) AllDone() bool {
	done := true
	s.connected.Each(func(_ Handle, p *Peer) {
		if !p.Done() {
			done = false
		}
	})
	if !done {
		return false
	}
	s.disconnected.Each(func(_ Handle, p *Peer) {
		if !p.Done() {
			done = false
		}
	})
	return done
}

// Run ticks the simulator until AllDone, or until maxTicks more ticks have
// run if maxTicks is positive. Returns the simulator's tick count on return
// and whether the swarm finished.
func (s *Simulator) Run(maxTicks int) (int, bool) {
	start := s.tick
	for !s.AllDone() {
		if maxTicks > 0 && s.tick-start >= maxTicks {
			return s.tick, false
		}
		s.Tick()
	}
	return s.tick, true
}

// move relocates the peer at l into dst and updates the location table. The
// peer's identity survives; its handle does not.
func (s *Simulator) move(id PeerID, l location, dst *Pool[Peer]) {
	p := l.pool.Get(l.handle)
	nh := dst.Construct(*p)
	l.pool.Destroy(l.handle)
	s.loc[id] = location{pool: dst, handle: nh}
}

// admitPeers runs the join side of churn: each disconnected peer joins with
// probability JoinProb, gets a zeroed counter and a freshly sampled
// neighbourhood, and moves into the connected pool.
func (s *Simulator) admitPeers() {
	churn := s.rng.ForSubsystem(SubsystemChurn)
	s.disconnected.Each(func(h Handle, p *Peer) {
		if churn.Float64() >= s.cfg.JoinProb {
			return
		}
		id := p.ID
		s.sink.Connect(id, p.UploadRate, p.DownloadRate)
		s.metrics.RecordConnect()

		p.Counter = 0
		ignore := mapset.NewSet()
		ignore.Add(id)
		for _, np := range s.randomPeers(s.cfg.DesiredPeerCount, ignore) {
			p.Interested = append(p.Interested, Neighbor{ID: np})
		}

		s.move(id, location{pool: s.disconnected, handle: h}, s.connected)
	})
}

// evictPeers runs the leave side of churn, then scrubs the evicted ids out of
// every remaining neighbourhood so no interested list refers to a
// disconnected peer across a tick boundary.
func (s *Simulator) evictPeers() {
	churn := s.rng.ForSubsystem(SubsystemChurn)
	var evicted []PeerID
	s.connected.Each(func(h Handle, p *Peer) {
		if churn.Float64() >= s.cfg.LeaveProb {
			return
		}
		id := p.ID
		s.sink.Disconnect(id)
		s.metrics.RecordDisconnect()
		p.OnDisconnect()
		s.move(id, location{pool: s.connected, handle: h}, s.disconnected)
		evicted = append(evicted, id)
	})
	if len(evicted) == 0 {
		return
	}
	s.connected.Each(func(_ Handle, p *Peer) {
		for _, id := range evicted {
			p.DropNeighbor(id)
		}
	})
}

// randomPeers samples up to n connected peers uniformly without replacement,
// skipping peers that are already done and anything in ignore. If no more
// than n candidates exist they are all returned, in pool order.
func (s *Simulator) randomPeers(n int, ignore mapset.Set) []PeerID {
	candidates := make([]PeerID, 0, s.connected.Len())
	s.connected.Each(func(_ Handle, p *Peer) {
		if p.Done() || ignore.Contains(p.ID) {
			return
		}
		candidates = append(candidates, p.ID)
	})
	if len(candidates) <= n {
		return candidates
	}
	sampling := s.rng.ForSubsystem(SubsystemSampling)
	sampling.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	return candidates[:n]
}

// neighborIgnoreSet builds the ignore set for sampling on p's behalf: its
// current neighbours plus itself.
func neighborIgnoreSet(p *Peer) mapset.Set {
	ignore := mapset.NewSet()
	for _, nb := range p.Interested {
		ignore.Add(nb.ID)
	}
	ignore.Add(p.ID)
	return ignore
}

// periodicTasks keeps every connected peer's neighbourhood healthy: top it up
// when it runs thin, re-rank it by contribution every ReorderEvery ticks,
// rotate the optimistic unchoke slot every UnchokeEvery, and every ChurnEvery
// throw out neighbours we have nothing left for. Without that last step a
// neighbourhood freezes once everyone in it has all the chunks we offer.
func (s *Simulator) periodicTasks() {
	unchoke := s.rng.ForSubsystem(SubsystemUnchoke)
	s.connected.Each(func(_ Handle, p *Peer) {
		if len(p.Interested) < s.cfg.RefillThreshold {
			for _, np := range s.randomPeers(s.cfg.DesiredPeerCount, neighborIgnoreSet(p)) {
				p.Interested = append(p.Interested, Neighbor{ID: np})
			}
		}

		if p.Counter%s.cfg.ReorderEvery == 0 {
			p.ReorderPeers(s)
		}

		if p.Counter%s.cfg.UnchokeEvery == 0 {
			p.RandomUnchoke(unchoke)
		}

		if p.Counter%s.cfg.ChurnEvery == 0 {
			s.churnNeighborhood(p)
		}
	})
}

// churnNeighborhood drops the neighbours p has nothing for and refills up to
// the desired count with fresh samples.
func (s *Simulator) churnNeighborhood(p *Peer) {
	var cannotHelp []PeerID
	for _, nb := range p.Interested {
		other := s.Connected(nb.ID)
		if other == nil || !p.HasSomethingFor(other) {
			cannotHelp = append(cannotHelp, nb.ID)
		}
	}
	if len(cannotHelp) == 0 {
		return
	}

	// Ignore everyone currently in the list, including those about to be
	// dropped: we just established we cannot help them.
	ignore := neighborIgnoreSet(p)
	for _, id := range cannotHelp {
		p.DropNeighbor(id)
	}
	want := s.cfg.DesiredPeerCount - len(p.Interested)
	if want <= 0 {
		return
	}
	for _, np := range s.randomPeers(want, ignore) {
		p.Interested = append(p.Interested, Neighbor{ID: np})
	}
}

// advanceCounters bumps every connected peer's per-connection tick counter.
func (s *Simulator) advanceCounters() {
	s.connected.Each(func(_ Handle, p *Peer) {
		p.Counter++
	})
}

func (s *Simulator) stageWorkers() int {
	if s.cfg.Serial {
		return 1
	}
	return s.cfg.Workers
}

// gatherOffers runs every connected peer's MakeOffers in parallel, merging
// the results into a per-recipient map under a single mutex. After the join
// it re-arms every peer's upload budget for the acceptance stage.
func (s *Simulator) gatherOffers() map[PeerID][]InboundOffer {
	var mu sync.Mutex
	out := make(map[PeerID][]InboundOffer)

	parallelEach(s.connected, s.stageWorkers(), func(p *Peer) {
		offers := p.MakeOffers(s)
		if len(offers) == 0 {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, offer := range offers {
			out[offer.To] = append(out[offer.To], InboundOffer{From: p.ID, Chunks: offer.Chunks})
		}
	})

	// Per-recipient inbound order must not depend on which gather
	// goroutine finished first.
	for id := range out {
		in := out[id]
		sort.Slice(in, func(a, b int) bool { return in[a].From < in[b].From })
	}

	s.connected.Each(func(_ Handle, p *Peer) {
		p.ResetUploadBudget()
	})
	return out
}

// distributeOffers hands each recipient its slice of the offer map.
func (s *Simulator) distributeOffers(offers map[PeerID][]InboundOffer) {
	parallelEach(s.connected, s.stageWorkers(), func(p *Peer) {
		in, ok := offers[p.ID]
		if !ok {
			return
		}
		p.ConsiderOffers(in, s)
	})
}

// acceptAll lets every connected peer accept what it can of this tick's
// offers. Transfer ordering between recipients contending for one source's
// budget is whatever order the CAS lands in; that race is part of the model.
func (s *Simulator) acceptAll() {
	parallelEach(s.connected, s.stageWorkers(), func(p *Peer) {
		n, finished := p.AcceptOffers(s, s.sink)
		if n > 0 {
			s.metrics.RecordTransfers(n)
		}
		if finished {
			s.metrics.RecordCompletion(p.ID, s.tick)
		}
	})
}
