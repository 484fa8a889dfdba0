package swarm

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDir is a Directory over a fixed set of peers, all considered connected.
type stubDir map[PeerID]*Peer

func (d stubDir) Connected(id PeerID) *Peer { return d[id] }

// recordSink captures transfer and finish events for assertions.
type recordSink struct {
	NopSink
	transfers [][3]int // src, chunk, dst
	finishes  []PeerID
}

func (s *recordSink) Transmit(src PeerID, chunk int, dst PeerID) {
	s.transfers = append(s.transfers, [3]int{int(src), chunk, int(dst)})
}

func (s *recordSink) Finished(id PeerID, _ int) {
	s.finishes = append(s.finishes, id)
}

func setChunks(p *Peer, owned ...bool) {
	for i, v := range owned {
		p.Chunks.Set(i, v)
	}
}

func TestPeer_HasEverything(t *testing.T) {
	p := NewPeer(1, 2, 3, 3, false)
	setChunks(p, true, false, true)
	assert.False(t, p.Done())

	p.Chunks.Set(1, true)
	p.AcceptOffers(stubDir{}, NopSink{}) // no offers; recomputes done
	assert.True(t, p.Done())
}

func TestPeer_SeederStartsDone(t *testing.T) {
	p := NewPeer(0, 1, 1, 4, true)
	assert.True(t, p.Done())
	for i := 0; i < 4; i++ {
		assert.True(t, p.Chunks.Get(i))
	}
}

func TestPeer_HasSomethingFor(t *testing.T) {
	p1 := NewPeer(1, 1, 1, 3, false)
	p2 := NewPeer(2, 1, 1, 3, false)
	setChunks(p1, true, false, false)

	assert.True(t, p1.HasSomethingFor(p2))
	p2.Chunks.Set(0, true)
	assert.False(t, p1.HasSomethingFor(p2))
}

func TestPeer_ChunkPopularity(t *testing.T) {
	p1 := NewPeer(1, 1, 1, 3, false)
	p2 := NewPeer(2, 1, 1, 3, false)
	p3 := NewPeer(3, 1, 1, 3, false)
	setChunks(p2, true, true, false)
	setChunks(p3, false, true, false)

	p1.Interested = []Neighbor{{ID: 2}, {ID: 3}}
	dir := stubDir{2: p2, 3: p3}

	assert.Equal(t, []int{1, 2, 0}, p1.ChunkPopularity(dir))
}

func TestPeer_MakeOffers(t *testing.T) {
	t.Run("single offer", func(t *testing.T) {
		p1 := NewPeer(1, 1, 1, 1, false)
		p2 := NewPeer(2, 1, 1, 1, false)
		setChunks(p1, true)
		p1.Interested = []Neighbor{{ID: 2}}

		offers := p1.MakeOffers(stubDir{2: p2})
		require.Len(t, offers, 1)
		assert.Equal(t, PeerID(2), offers[0].To)
		assert.Equal(t, []int{0}, offers[0].Chunks)
	})

	t.Run("nothing to offer", func(t *testing.T) {
		p1 := NewPeer(1, 1, 1, 1, false)
		p2 := NewPeer(2, 1, 1, 1, false)
		p1.Interested = []Neighbor{{ID: 2}}

		offers := p1.MakeOffers(stubDir{2: p2})
		if len(offers) != 0 {
			assert.Empty(t, offers[0].Chunks)
		}
	})

	t.Run("recipient has everything", func(t *testing.T) {
		p1 := NewPeer(1, 1, 1, 1, false)
		p2 := NewPeer(2, 1, 1, 1, false)
		setChunks(p1, true)
		setChunks(p2, true)
		p1.Interested = []Neighbor{{ID: 2}}

		offers := p1.MakeOffers(stubDir{2: p2})
		if len(offers) != 0 {
			assert.Empty(t, offers[0].Chunks)
		}
	})

	t.Run("rarest chunk selected", func(t *testing.T) {
		p1 := NewPeer(1, 1, 1, 3, false)
		p2 := NewPeer(2, 1, 1, 3, false)
		setChunks(p1, false, false, true)
		p1.Interested = []Neighbor{{ID: 2}}

		offers := p1.MakeOffers(stubDir{2: p2})
		require.Len(t, offers, 1)
		assert.Equal(t, []int{2}, offers[0].Chunks)
	})

	t.Run("multi-chunk budget", func(t *testing.T) {
		p1 := NewPeer(1, 2, 1, 3, false)
		p2 := NewPeer(2, 1, 1, 3, false)
		setChunks(p1, true, false, true)
		p1.Interested = []Neighbor{{ID: 2}}

		offers := p1.MakeOffers(stubDir{2: p2})
		require.Len(t, offers, 1)
		assert.Equal(t, []int{0, 2}, offers[0].Chunks)
	})

	t.Run("budget cap", func(t *testing.T) {
		p1 := NewPeer(1, 1, 1, 3, false)
		p2 := NewPeer(2, 1, 1, 3, false)
		setChunks(p1, true, false, true)
		p1.Interested = []Neighbor{{ID: 2}}

		offers := p1.MakeOffers(stubDir{2: p2})
		require.Len(t, offers, 1)
		assert.Equal(t, []int{0}, offers[0].Chunks)
	})

	t.Run("zero upload rate", func(t *testing.T) {
		p1 := NewPeer(1, 0, 1, 1, false)
		p2 := NewPeer(2, 1, 1, 1, false)
		setChunks(p1, true)
		p1.Interested = []Neighbor{{ID: 2}}

		assert.Empty(t, p1.MakeOffers(stubDir{2: p2}))
	})

	t.Run("empty interested list", func(t *testing.T) {
		p1 := NewPeer(1, 1, 1, 1, false)
		setChunks(p1, true)
		assert.Empty(t, p1.MakeOffers(stubDir{}))
	})
}

func TestPeer_MakeOffersRoundRobin(t *testing.T) {
	// Two recipients, upload 1: the budget is upload * recipients = 2,
	// round-robinned one chunk each, rarest first per recipient.
	p1 := NewPeer(1, 1, 1, 2, false)
	p2 := NewPeer(2, 1, 1, 2, false)
	p3 := NewPeer(3, 1, 1, 2, false)
	setChunks(p1, true, true)
	setChunks(p3, false, true) // chunk 1 is more popular than chunk 0
	p1.Interested = []Neighbor{{ID: 2}, {ID: 3}}
	dir := stubDir{2: p2, 3: p3}

	offers := p1.MakeOffers(dir)
	require.Len(t, offers, 2)
	assert.Equal(t, PeerID(2), offers[0].To)
	assert.Equal(t, []int{0}, offers[0].Chunks)
	assert.Equal(t, PeerID(3), offers[1].To)
	assert.Equal(t, []int{0}, offers[1].Chunks)
}

func TestPeer_MakeOffersTopKOnly(t *testing.T) {
	self := NewPeer(0, 1, 1, 2, false)
	setChunks(self, true, true)
	dir := stubDir{}
	for id := PeerID(1); id <= 7; id++ {
		p := NewPeer(id, 1, 1, 2, false)
		dir[id] = p
		self.Interested = append(self.Interested, Neighbor{ID: id})
	}

	offers := self.MakeOffers(dir)
	require.Len(t, offers, ReciprocationSlots)
	for i, offer := range offers {
		assert.Equal(t, self.Interested[i].ID, offer.To)
	}
}

func TestPeer_MakeOffersNoDuplicateChunksPerRecipient(t *testing.T) {
	p1 := NewPeer(1, 10, 1, 3, false)
	p2 := NewPeer(2, 1, 1, 3, false)
	setChunks(p1, true, true, true)
	p1.Interested = []Neighbor{{ID: 2}}

	offers := p1.MakeOffers(stubDir{2: p2})
	require.Len(t, offers, 1)
	seen := map[int]bool{}
	for _, c := range offers[0].Chunks {
		assert.False(t, seen[c], "chunk %d offered twice", c)
		seen[c] = true
		assert.True(t, p1.Chunks.Get(c))
		assert.False(t, p2.Chunks.Get(c))
	}
}

func TestPeer_ConsiderOffersSortsByRarity(t *testing.T) {
	self := NewPeer(0, 1, 10, 3, false)
	// Two neighbours both own chunk 2, one owns chunk 1, none own chunk 0.
	n1 := NewPeer(1, 2, 1, 3, false)
	n2 := NewPeer(2, 1, 1, 3, false)
	setChunks(n1, false, true, true)
	setChunks(n2, false, false, true)
	self.Interested = []Neighbor{{ID: 1}, {ID: 2}}
	dir := stubDir{1: n1, 2: n2}

	self.ConsiderOffers([]InboundOffer{
		{From: 1, Chunks: []int{2, 1}},
		{From: 2, Chunks: []int{0}},
	}, dir)

	sink := &recordSink{}
	n1.ResetUploadBudget()
	n2.ResetUploadBudget()
	self.AcceptOffers(dir, sink)

	// Acceptance order follows rarity: chunk 0 (pop 0), 1 (pop 1), 2 (pop 2).
	require.Len(t, sink.transfers, 3)
	assert.Equal(t, 0, sink.transfers[0][1])
	assert.Equal(t, 1, sink.transfers[1][1])
	assert.Equal(t, 2, sink.transfers[2][1])
}

func TestPeer_AcceptOffersDownloadCap(t *testing.T) {
	self := NewPeer(0, 1, 2, 4, false)
	src := NewPeer(1, 10, 1, 4, false)
	setChunks(src, true, true, true, true)
	dir := stubDir{1: src}
	src.ResetUploadBudget()

	self.ConsiderOffers([]InboundOffer{{From: 1, Chunks: []int{0, 1, 2, 3}}}, dir)
	sink := &recordSink{}
	n, finished := self.AcceptOffers(dir, sink)

	assert.Equal(t, 2, n)
	assert.False(t, finished)
	assert.Len(t, sink.transfers, 2)
}

func TestPeer_AcceptOffersSourceBudget(t *testing.T) {
	// Source upload budget 1 gates the second recipient out.
	src := NewPeer(1, 1, 1, 1, false)
	setChunks(src, true)
	src.ResetUploadBudget()
	dir := stubDir{1: src}

	a := NewPeer(2, 1, 5, 1, false)
	b := NewPeer(3, 1, 5, 1, false)
	a.ConsiderOffers([]InboundOffer{{From: 1, Chunks: []int{0}}}, dir)
	b.ConsiderOffers([]InboundOffer{{From: 1, Chunks: []int{0}}}, dir)

	sink := &recordSink{}
	na, _ := a.AcceptOffers(dir, sink)
	nb, _ := b.AcceptOffers(dir, sink)

	assert.Equal(t, 1, na+nb)
	assert.Equal(t, 0, src.UploadRemaining())
}

func TestPeer_AcceptOffersSkipsOwnedWithoutSpendingSlot(t *testing.T) {
	self := NewPeer(0, 1, 1, 2, false)
	setChunks(self, true, false)
	src := NewPeer(1, 5, 1, 2, false)
	setChunks(src, true, true)
	src.ResetUploadBudget()
	dir := stubDir{1: src}

	// Chunk 0 is already owned; the single download slot must go to
	// chunk 1.
	self.considered = []consideredOffer{{from: 1, chunk: 0}, {from: 1, chunk: 1}}
	sink := &recordSink{}
	n, finished := self.AcceptOffers(dir, sink)

	assert.Equal(t, 1, n)
	assert.True(t, finished)
	assert.Equal(t, []PeerID{0}, sink.finishes)
	require.Len(t, sink.transfers, 1)
	assert.Equal(t, 1, sink.transfers[0][1])
}

func TestPeer_AcceptOffersCreditsContribution(t *testing.T) {
	self := NewPeer(0, 1, 0, 2, false) // zero download: every offer rejected
	src := NewPeer(1, 5, 1, 2, false)
	setChunks(src, true, true)
	src.ResetUploadBudget()
	dir := stubDir{1: src}
	self.Interested = []Neighbor{{ID: 1}}

	self.ConsiderOffers([]InboundOffer{{From: 1, Chunks: []int{0, 1}}}, dir)
	n, _ := self.AcceptOffers(dir, NopSink{})

	// The source tried twice; both attempts count even though nothing
	// transferred.
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, self.Interested[0].Contribution)
}

func TestPeer_ConsideredOffersClearedAfterAccept(t *testing.T) {
	self := NewPeer(0, 1, 5, 1, false)
	src := NewPeer(1, 5, 1, 1, false)
	setChunks(src, true)
	src.ResetUploadBudget()
	dir := stubDir{1: src}

	self.ConsiderOffers([]InboundOffer{{From: 1, Chunks: []int{0}}}, dir)
	self.AcceptOffers(dir, NopSink{})
	assert.Empty(t, self.considered)
}

func TestPeer_ReorderPeers(t *testing.T) {
	self := NewPeer(0, 1, 1, 2, false)
	setChunks(self, true, false)

	helped := NewPeer(1, 1, 1, 2, false)  // lacks chunk 0: we can help
	helpless := NewPeer(2, 1, 1, 2, false)
	setChunks(helpless, true, false) // owns everything we own

	self.Interested = []Neighbor{
		{ID: 2, Contribution: 50},
		{ID: 1, Contribution: 3},
	}
	dir := stubDir{1: helped, 2: helpless}

	self.ReorderPeers(dir)

	// The helpless peer sinks regardless of its high contribution, and
	// all counts reset.
	require.Len(t, self.Interested, 2)
	assert.Equal(t, PeerID(1), self.Interested[0].ID)
	assert.Equal(t, PeerID(2), self.Interested[1].ID)
	for _, nb := range self.Interested {
		assert.Equal(t, 0, nb.Contribution)
	}
}

func TestPeer_ReorderPeersSortsByContribution(t *testing.T) {
	self := NewPeer(0, 1, 1, 1, false)
	setChunks(self, true)

	dir := stubDir{}
	for id := PeerID(1); id <= 3; id++ {
		dir[id] = NewPeer(id, 1, 1, 1, false)
	}
	self.Interested = []Neighbor{
		{ID: 1, Contribution: 1},
		{ID: 2, Contribution: 9},
		{ID: 3, Contribution: 4},
	}

	self.ReorderPeers(dir)

	assert.Equal(t, PeerID(2), self.Interested[0].ID)
	assert.Equal(t, PeerID(3), self.Interested[1].ID)
	assert.Equal(t, PeerID(1), self.Interested[2].ID)
}

func TestPeer_RandomUnchoke(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	t.Run("small list is a no-op", func(t *testing.T) {
		self := NewPeer(0, 1, 1, 1, false)
		for id := PeerID(1); id <= ReciprocationSlots; id++ {
			self.Interested = append(self.Interested, Neighbor{ID: id})
		}
		before := append([]Neighbor(nil), self.Interested...)
		self.RandomUnchoke(rng)
		assert.Equal(t, before, self.Interested)
	})

	t.Run("rotates from outside the top slots", func(t *testing.T) {
		self := NewPeer(0, 1, 1, 1, false)
		for id := PeerID(1); id <= 12; id++ {
			self.Interested = append(self.Interested, Neighbor{ID: id})
		}
		for i := 0; i < 50; i++ {
			self.RandomUnchoke(rng)
			// The first K-1 slots never move; membership is preserved.
			for j := 0; j < ReciprocationSlots-1; j++ {
				assert.Equal(t, PeerID(j+1), self.Interested[j].ID)
			}
			assert.Len(t, self.Interested, 12)
		}
	})
}

func TestPeer_OnDisconnect(t *testing.T) {
	self := NewPeer(0, 1, 1, 1, false)
	self.Interested = []Neighbor{{ID: 1}, {ID: 2}}
	self.considered = []consideredOffer{{from: 1, chunk: 0}}

	self.OnDisconnect()
	assert.Nil(t, self.Interested)
	assert.Nil(t, self.considered)
}

func TestPeer_DropNeighbor(t *testing.T) {
	self := NewPeer(0, 1, 1, 1, false)
	self.Interested = []Neighbor{{ID: 1}, {ID: 2}, {ID: 3}}

	assert.True(t, self.DropNeighbor(2))
	assert.Equal(t, []Neighbor{{ID: 1}, {ID: 3}}, self.Interested)
	assert.False(t, self.DropNeighbor(2))
}

func TestPeer_UploadBudgetCAS(t *testing.T) {
	p := NewPeer(0, 3, 1, 1, false)
	p.ResetUploadBudget()

	for i := 0; i < 3; i++ {
		assert.True(t, p.takeUploadSlot())
	}
	assert.False(t, p.takeUploadSlot())
	assert.Equal(t, 0, p.UploadRemaining())

	p.ResetUploadBudget()
	assert.Equal(t, 3, p.UploadRemaining())
}

func TestPeer_ReorderUsesMinIntForHelpless(t *testing.T) {
	// A helpless neighbour with MaxInt contributions still sinks below a
	// helpful one with zero.
	self := NewPeer(0, 1, 1, 2, false)
	setChunks(self, true, false)
	helped := NewPeer(1, 1, 1, 2, false)
	helpless := NewPeer(2, 1, 1, 2, false)
	setChunks(helpless, true, true)

	self.Interested = []Neighbor{
		{ID: 2, Contribution: math.MaxInt},
		{ID: 1, Contribution: 0},
	}
	self.ReorderPeers(stubDir{1: helped, 2: helpless})
	assert.Equal(t, PeerID(1), self.Interested[0].ID)
}
