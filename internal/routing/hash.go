package routing

import (
	"hash/fnv"
	"sort"
)

// RendezvousIndex implements highest random weight (HRW) hashing. It returns
// the index of the id with the highest score for key, or -1 if ids is empty.
//
// Properties:
//   - Consistent: same (ids, key) always returns the same id, in any order
//   - Minimal disruption: removing an id only moves keys that mapped to it
//   - Even distribution: keys are spread uniformly across ids
func RendezvousIndex(ids []string, key []byte) int {
	switch len(ids) {
	case 0:
		return -1
	case 1:
		return 0
	}

	selected := -1
	var maxScore uint64
	for i, id := range ids {
		score := computeScore(id, key)
		// ties break on id so the result does not depend on slice order
		if selected == -1 || score > maxScore || (score == maxScore && id < ids[selected]) {
			maxScore = score
			selected = i
		}
	}
	return selected
}

// computeScore generates a deterministic score for an id-key pair. FNV-1a
// alone leaves ids that differ in one trailing byte strongly correlated, so
// the sum goes through the murmur3 64-bit finalizer.
func computeScore(id string, key []byte) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	h.Write([]byte{0})
	h.Write(key)
	return fmix64(h.Sum64())
}

func fmix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// RankRouters orders routers by descending rendezvous score for key. The
// first entry is the preferred router; the rest are failover candidates.
func RankRouters(routers []RouterInfo, key string) []RouterInfo {
	ranked := make([]RouterInfo, len(routers))
	copy(ranked, routers)
	scores := make(map[string]uint64, len(ranked))
	for _, r := range ranked {
		scores[r.RouterID] = computeScore(r.RouterID, []byte(key))
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i].RouterID], scores[ranked[j].RouterID]
		if si != sj {
			return si > sj
		}
		return ranked[i].RouterID < ranked[j].RouterID
	})
	return ranked
}
