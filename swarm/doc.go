// Package swarm provides the core discrete-time simulation engine for
// Torrential, a BitTorrent-style swarm simulator.
//
// # Reading Guide
//
// Start with these three files to understand the engine:
//   - pool.go: the slab that owns every peer and keeps addresses stable
//   - peer.go: rarest-first offer generation, consideration, and acceptance
//   - simulator.go: the per-tick pipeline and the churn/maintenance stages
//
// # Architecture
//
// A fixed population of peers lives in two Pool[Peer] slabs, connected and
// disconnected; Bernoulli churn moves peers between them each tick.
// Neighbourhood entries hold stable PeerIDs resolved through the simulator's
// Directory, never raw pointers, so references survive pool moves.
//
// One tick runs the pipeline: admit, periodic maintenance, counter
// advancement, offer gathering, offer distribution, acceptance, eviction.
// The three transfer stages fan out over connected peers and join in between;
// everything else is single-threaded. The only cross-peer mutable shared
// during a stage is each peer's remaining upload budget, claimed by CAS.
//
// Randomness is partitioned per subsystem (rng.go) so churn decisions, peer
// sampling, unchoke picks, and capacity draws are independent deterministic
// streams of the master seed.
package swarm
