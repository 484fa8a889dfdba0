package swarm

import (
	"math"
	"math/rand"
	"sort"
	"sync/atomic"

	bitmap "github.com/boljen/go-bitmap"
)

// PeerID is the stable identity of a peer for the whole simulation, assigned
// sequentially at construction. Neighbourhood entries store PeerIDs rather
// than pointers so references stay valid while peers move between the
// connected and disconnected pools.
type PeerID int32

// ReciprocationSlots is the number of neighbours a peer makes offers to each
// tick: the top slots by contribution, with the last one reserved for the
// optimistic unchoke.
const ReciprocationSlots = 5

// DesiredPeerCount is how many neighbours a peer tries to hold.
const DesiredPeerCount = 40

// Directory resolves PeerIDs to peers. Only currently connected peers
// resolve; a stale id returns nil.
type Directory interface {
	Connected(id PeerID) *Peer
}

// Neighbor is one entry of a peer's interested list: a peer it may trade
// with, plus the chunks that peer has contributed since the last reorder.
type Neighbor struct {
	ID           PeerID
	Contribution int
}

// Offer is a set of chunks a sender puts on the table for one recipient.
type Offer struct {
	To     PeerID
	Chunks []int
}

// InboundOffer is an Offer as seen from the recipient's side.
type InboundOffer struct {
	From   PeerID
	Chunks []int
}

// consideredOffer is a single flattened (source, chunk) pair held between the
// consider and accept stages of one tick.
type consideredOffer struct {
	from  PeerID
	chunk int
}

// Peer is one participant in the swarm.
type Peer struct {
	ID           PeerID
	UploadRate   int // chunks per tick it may send, across all recipients
	DownloadRate int // chunks per tick it may accept

	// Chunks has one bit per chunk of the torrent, set iff owned. Its
	// length is fixed at construction and never changes.
	Chunks    bitmap.Bitmap
	numChunks int
	done      bool

	// Interested is the neighbourhood. Slots [0, ReciprocationSlots) are
	// the current reciprocation set; the last of those is the optimistic
	// unchoke slot.
	Interested []Neighbor

	considered []consideredOffer

	// uploadRemaining is this tick's remaining upload budget. It is the
	// only cross-peer shared mutable during the accept stage and is
	// decremented by CAS, never under a lock.
	uploadRemaining int32

	// Counter counts ticks since the peer last connected.
	Counter int
}

// NewPeer constructs a peer with an empty (or, for a seeder, full) chunk
// bitmap of numChunks bits.
func NewPeer(id PeerID, uploadRate, downloadRate, numChunks int, seeder bool) *Peer {
	p := &Peer{
		ID:           id,
		UploadRate:   uploadRate,
		DownloadRate: downloadRate,
		Chunks:       bitmap.New(numChunks),
		numChunks:    numChunks,
	}
	if seeder {
		for i := 0; i < numChunks; i++ {
			p.Chunks.Set(i, true)
		}
		p.done = true
	}
	return p
}

// NumChunks returns the torrent's chunk count as this peer sees it.
func (p *Peer) NumChunks() int { return p.numChunks }

// Done reports whether the peer owns every chunk. Once true it stays true.
func (p *Peer) Done() bool { return p.done }

// refreshDone recomputes the done flag. Chunks are never unset, so the flag
// can only transition false -> true. Returns true on that transition.
func (p *Peer) refreshDone() bool {
	if p.done {
		return false
	}
	for i := 0; i < p.numChunks; i++ {
		if !p.Chunks.Get(i) {
			return false
		}
	}
	p.done = true
	return true
}

// HasSomethingFor reports whether this peer owns any chunk other lacks.
func (p *Peer) HasSomethingFor(other *Peer) bool {
	for i := 0; i < p.numChunks; i++ {
		if p.Chunks.Get(i) && !other.Chunks.Get(i) {
			return true
		}
	}
	return false
}

// ChunkPopularity counts, for each chunk index, how many neighbours own it.
// Neighbours that have dropped off the connected set count for nothing.
func (p *Peer) ChunkPopularity(dir Directory) []int {
	pop := make([]int, p.numChunks)
	for _, nb := range p.Interested {
		other := dir.Connected(nb.ID)
		if other == nil {
			continue
		}
		for i := 0; i < p.numChunks; i++ {
			if other.Chunks.Get(i) {
				pop[i]++
			}
		}
	}
	return pop
}

// MakeOffers builds this tick's offers: rarest-first over the chunks the
// peer owns, round-robinned across the top ReciprocationSlots neighbours, at
// most UploadRate offers per recipient slot in aggregate. Recipient order
// preserves the interested list's order.
func (p *Peer) MakeOffers(dir Directory) []Offer {
	if len(p.Interested) == 0 || p.UploadRate == 0 {
		return nil
	}

	pop := p.ChunkPopularity(dir)

	// The chunks we can offer, sorted rarest first, ties to the lower
	// index.
	owned := make([]int, 0, p.numChunks)
	for i := 0; i < p.numChunks; i++ {
		if p.Chunks.Get(i) {
			owned = append(owned, i)
		}
	}
	sort.Slice(owned, func(a, b int) bool {
		if pop[owned[a]] != pop[owned[b]] {
			return pop[owned[a]] < pop[owned[b]]
		}
		return owned[a] < owned[b]
	})

	r := ReciprocationSlots
	if len(p.Interested) < r {
		r = len(p.Interested)
	}

	offers := make([]Offer, r)
	recipients := make([]*Peer, r)
	cursors := make([]int, r)
	for i := 0; i < r; i++ {
		offers[i] = Offer{To: p.Interested[i].ID}
		recipients[i] = dir.Connected(p.Interested[i].ID)
	}

	budget := p.UploadRate * r
	for budget > 0 {
		issuedThisCycle := 0
		for i := 0; i < r && budget > 0; i++ {
			other := recipients[i]
			if other == nil || other.Done() {
				continue
			}
			// Advance this recipient's cursor to the next ownable
			// chunk it lacks. Skipped chunks stay skipped: once a
			// chunk is owned by the recipient or already offered,
			// it never becomes offerable again this tick.
			for cursors[i] < len(owned) && other.Chunks.Get(owned[cursors[i]]) {
				cursors[i]++
			}
			if cursors[i] >= len(owned) {
				continue
			}
			offers[i].Chunks = append(offers[i].Chunks, owned[cursors[i]])
			cursors[i]++
			issuedThisCycle++
			budget--
		}
		if issuedThisCycle == 0 {
			break
		}
	}
	return offers
}

// ConsiderOffers flattens the tick's inbound offers and orders them by how
// rare each chunk looks from this peer's vantage point, rarest first. The
// inbound slice is consumed. Callers guarantee no offered chunk is already
// owned.
func (p *Peer) ConsiderOffers(in []InboundOffer, dir Directory) {
	for _, offer := range in {
		for _, chunk := range offer.Chunks {
			p.considered = append(p.considered, consideredOffer{from: offer.From, chunk: chunk})
		}
	}
	if len(p.considered) == 0 {
		return
	}
	pop := p.ChunkPopularity(dir)
	sort.SliceStable(p.considered, func(a, b int) bool {
		return pop[p.considered[a].chunk] < pop[p.considered[b].chunk]
	})
}

// AcceptOffers walks the considered offers rarest-first and accepts up to
// DownloadRate of them, each bounded by the source's remaining upload budget.
// Every walked offer credits its source's contribution count: the source
// tried, whether or not the transfer happens. Returns the number of chunks
// transferred and whether the peer finished the torrent this call.
func (p *Peer) AcceptOffers(dir Directory, sink EventSink) (int, bool) {
	downloads := 0
	for _, off := range p.considered {
		p.creditContribution(off.from)

		if p.Chunks.Get(off.chunk) {
			continue
		}
		if downloads >= p.DownloadRate {
			continue
		}
		src := dir.Connected(off.from)
		if src == nil {
			continue
		}
		if !src.takeUploadSlot() {
			continue
		}
		sink.Transmit(src.ID, off.chunk, p.ID)
		p.Chunks.Set(off.chunk, true)
		downloads++
	}
	finished := p.refreshDone()
	if finished {
		sink.Finished(p.ID, p.numChunks)
	}
	p.considered = p.considered[:0]
	return downloads, finished
}

// creditContribution bumps the contribution count of the neighbour with the
// given id, if it is in the interested list.
func (p *Peer) creditContribution(id PeerID) {
	for i := range p.Interested {
		if p.Interested[i].ID == id {
			p.Interested[i].Contribution++
			return
		}
	}
}

// ResetUploadBudget re-arms the per-tick upload budget. The simulator calls
// this once per tick, after offer gathering and before any acceptance.
func (p *Peer) ResetUploadBudget() {
	atomic.StoreInt32(&p.uploadRemaining, int32(p.UploadRate))
}

// takeUploadSlot claims one unit of the peer's upload budget. Contended
// claims resolve in whichever order the CAS lands; at most UploadRate claims
// succeed per tick.
func (p *Peer) takeUploadSlot() bool {
	for {
		cur := atomic.LoadInt32(&p.uploadRemaining)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&p.uploadRemaining, cur, cur-1) {
			return true
		}
	}
}

// UploadRemaining reports the unclaimed upload budget. Only meaningful
// between the gather and accept stages of a tick.
func (p *Peer) UploadRemaining() int {
	return int(atomic.LoadInt32(&p.uploadRemaining))
}

// ReorderPeers re-ranks the interested list by contribution, sinking
// neighbours this peer has nothing for, then zeroes all counts for the next
// accounting window.
func (p *Peer) ReorderPeers(dir Directory) {
	for i := range p.Interested {
		other := dir.Connected(p.Interested[i].ID)
		if other == nil || !p.HasSomethingFor(other) {
			p.Interested[i].Contribution = math.MinInt
		}
	}
	sort.SliceStable(p.Interested, func(a, b int) bool {
		return p.Interested[a].Contribution > p.Interested[b].Contribution
	})
	for i := range p.Interested {
		p.Interested[i].Contribution = 0
	}
}

// RandomUnchoke swaps a neighbour chosen uniformly from the optimistic unchoke
// slot and everything after it into that slot. The other reciprocation slots
// are left in place.
func (p *Peer) RandomUnchoke(rng *rand.Rand) {
	if len(p.Interested) <= ReciprocationSlots {
		return
	}
	slot := ReciprocationSlots - 1
	pick := slot + rng.Intn(len(p.Interested)-slot)
	p.Interested[slot], p.Interested[pick] = p.Interested[pick], p.Interested[slot]
}

// OnDisconnect clears the neighbourhood and any half-considered offers; the
// peer gets a fresh neighbourhood if it reconnects.
func (p *Peer) OnDisconnect() {
	p.Interested = nil
	p.considered = nil
}

// DropNeighbor removes the neighbour with the given id, preserving order.
// Reports whether an entry was removed.
func (p *Peer) DropNeighbor(id PeerID) bool {
	for i := range p.Interested {
		if p.Interested[i].ID == id {
			p.Interested = append(p.Interested[:i], p.Interested[i+1:]...)
			return true
		}
	}
	return false
}
