package similarity

import (
	"sort"

	"github.com/orneryd/muninndb/pkg/vector"
)

// Cluster groups embedding vectors by density over cosine distance.
//
// A point with at least minPts neighbors within eps (itself included)
// is a core point; clusters grow from core points through their
// neighborhoods. Points reachable from no core point are outliers and
// appear in no cluster — callers treat them as singletons.
//
// The algorithm needs no pre-specified cluster count. Returned clusters
// hold input indexes in ascending order, and the cluster list itself is
// ordered by each cluster's smallest member, so output is deterministic
// for a given input.
func Cluster(vecs [][]float32, eps float64, minPts int) [][]int {
	if minPts < 1 {
		minPts = 1
	}
	n := len(vecs)
	if n == 0 {
		return nil
	}

	const unvisited = -2
	const noise = -1
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}

	neighborhood := func(i int) []int {
		var hits []int
		for j := 0; j < n; j++ {
			if vecs[j] == nil {
				continue
			}
			if vector.CosineDistance(vecs[i], vecs[j]) <= eps {
				hits = append(hits, j)
			}
		}
		return hits
	}

	clusterID := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		if vecs[i] == nil {
			labels[i] = noise
			continue
		}

		seeds := neighborhood(i)
		if len(seeds) < minPts {
			labels[i] = noise
			continue
		}

		labels[i] = clusterID
		// Expand the cluster through every reachable core point.
		for k := 0; k < len(seeds); k++ {
			j := seeds[k]
			if labels[j] == noise {
				labels[j] = clusterID // border point
				continue
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = clusterID
			more := neighborhood(j)
			if len(more) >= minPts {
				seeds = append(seeds, more...)
			}
		}
		clusterID++
	}

	clusters := make([][]int, clusterID)
	for i, label := range labels {
		if label >= 0 {
			clusters[label] = append(clusters[label], i)
		}
	}
	for _, c := range clusters {
		sort.Ints(c)
	}
	sort.Slice(clusters, func(a, b int) bool {
		return clusters[a][0] < clusters[b][0]
	})
	return clusters
}
