package sync

import "github.com/schaermu/stickersync/internal/ledger"

// Chunk is one group of prepared images destined for a single pack
type Chunk struct {
	Index   int      // 1-based, determines the pack name suffix
	Files   []string // full paths of prepared images, in upload order
	Through int      // images planned up to and including this chunk
}

// Delta is what a chunk still needs after comparing it with the remote pack
// and the ledger
type Delta struct {
	Files       []string           // full paths still to upload
	Exists      bool               // the remote pack already exists
	RemoteTitle string             // title of the existing remote pack
	Previous    *ledger.PackRecord // ledger record for the pack, if any
}
