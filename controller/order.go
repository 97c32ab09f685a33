package controller

import (
	"math"
	"math/rand"

	"github.com/tormint/peer/pkgstore"
)

// pieceScore computes a piece's priority key: lower sorts first. A started-
// but-incomplete piece scores its jitter minus its claimed fraction, a value
// in [-1, 1), while an unstarted piece scores at least its own jitter, so the
// more of a started piece is claimed, the further ahead of unstarted pieces
// it ranks (finish what you've begun); among unstarted pieces, fuseki mode
// favors pieces near the popularity median over strict rarest-first, and
// otherwise rarer pieces (lower popularity) rank first; jitter breaks ties
// so peers downloading the same package don't all request pieces in
// lockstep.
func pieceScore(popularity int, claimedFrac float64, started bool, jitter float64, fuseki bool, numPeers int) float64 {
	if started {
		unclaimedFrac := 1 - claimedFrac
		return jitter + (-1 + unclaimedFrac)
	}
	if fuseki {
		// Opening phase: popularity is noisy (too few peers have reported
		// bitfields yet), so piece choice favors the middle of the
		// popularity distribution rather than strict rarest-first.
		return jitter + math.Abs(float64(popularity)-float64(numPeers)/2)
	}
	return float64(popularity) + jitter
}

// recalcPopularity counts, for each piece index, how many connected peers
// have declared it, via each PeerConn's PeerHasPiece.
func recalcPopularity(numPieces int, peers []peerHaver) []int {
	pop := make([]int, numPieces)
	for _, p := range peers {
		for i := 0; i < numPieces; i++ {
			if p.PeerHasPiece(i) {
				pop[i]++
			}
		}
	}
	return pop
}

// peerHaver is the slice of PeerConn that popularity recalculation needs.
type peerHaver interface {
	PeerHasPiece(i int) bool
}

// recalcOrder returns piece indices ordered by pieceScore ascending, skipping
// pieces already complete.
func recalcOrder(pkg *pkgstore.Package, popularity []int, jitter []float64, fuseki bool, numPeers int) []int {
	n := pkg.NumPieces()
	type scored struct {
		index int
		score float64
	}
	var candidates []scored
	for i := 0; i < n; i++ {
		p, err := pkg.Piece(i)
		if err != nil || p.Complete() {
			continue
		}
		claimedFrac := 0.0
		if p.Length() > 0 {
			claimedFrac = float64(p.ClaimedBytes()) / float64(p.Length())
		}
		s := pieceScore(popularity[i], claimedFrac, p.Started(), jitter[i], fuseki, numPeers)
		candidates = append(candidates, scored{i, s})
	}
	// Insertion sort is fine here: recalculation runs at most a few times a
	// minute and package piece counts are in the thousands, not millions.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].score < candidates[j-1].score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	order := make([]int, len(candidates))
	for i, c := range candidates {
		order[i] = c.index
	}
	return order
}

// newJitter returns one pseudo-random tie-breaker per piece, stable for the
// lifetime of a Controller.
func newJitter(numPieces int) []float64 {
	j := make([]float64, numPieces)
	for i := range j {
		j[i] = rand.Float64()
	}
	return j
}
