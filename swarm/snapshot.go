package swarm

import (
	"github.com/marksamman/bencode"
	"github.com/spf13/afero"
)

// Snapshot captures the observable outcome of a run as a bencoded
// dictionary, the lingua franca of torrent tooling:
//
//	d
//	  "seed"      -> effective master seed
//	  "ticks"     -> ticks run
//	  "chunks"    -> chunks per file
//	  "transfers" -> total accepted transfers
//	  "peers"     -> list of per-peer dicts (id, up, down, owned, done,
//	                 finished_tick when known)
//	e
func (s *Simulator) Snapshot() []byte {
	completions := s.metrics.Completions()

	peers := make([]interface{}, 0, s.cfg.Peers)
	collect := func(_ Handle, p *Peer) {
		owned := int64(0)
		for i := 0; i < p.NumChunks(); i++ {
			if p.Chunks.Get(i) {
				owned++
			}
		}
		entry := map[string]interface{}{
			"id":    int64(p.ID),
			"up":    int64(p.UploadRate),
			"down":  int64(p.DownloadRate),
			"owned": owned,
			"done":  int64(0),
		}
		if p.Done() {
			entry["done"] = int64(1)
		}
		if tick, ok := completions[p.ID]; ok {
			entry["finished_tick"] = int64(tick)
		}
		peers = append(peers, entry)
	}
	s.connected.Each(collect)
	s.disconnected.Each(collect)

	return bencode.Encode(map[string]interface{}{
		"seed":      s.rng.Seed(),
		"ticks":     int64(s.tick),
		"chunks":    int64(s.cfg.Chunks),
		"transfers": int64(s.metrics.TotalTransfers),
		"peers":     peers,
	})
}

// WriteSnapshot writes the bencoded run snapshot to path on fs.
func (s *Simulator) WriteSnapshot(fs afero.Fs, path string) error {
	return afero.WriteFile(fs, path, s.Snapshot(), 0o644)
}
