// Package render turns successive cluster sets into marker instructions: it
// diffs a new pass against what is on screen and drives a host Surface so
// markers split from, and merge into, their parent clusters.
package render

import "markercluster/cluster"

// Diff is the outcome of comparing a new clustering pass with the clusters
// currently rendered.
type Diff[T cluster.Item] struct {
	// Added are clusters of the new pass with no value-equal rendered cluster.
	Added []*cluster.Cluster[T]
	// AddedParents[i] is the removed cluster whose tile contains Added[i]'s
	// centroid, or nil.
	AddedParents []*cluster.Cluster[T]

	// Removed are rendered clusters absent from the new pass.
	Removed []*cluster.Cluster[T]
	// RemovedParents[i] is the new cluster whose tile contains Removed[i]'s
	// centroid, or nil.
	RemovedParents []*cluster.Cluster[T]

	// Unchanged are rendered clusters that reappear in the new pass.
	Unchanged []*cluster.Cluster[T]

	// Retained is the rendered set after applying the diff, in the order of the
	// new pass. Unchanged entries keep their previous instance.
	Retained []*cluster.Cluster[T]
}

// Empty reports whether applying the diff would touch no marker.
func (d Diff[T]) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Compute diffs next against previous by value equality.
func Compute[T cluster.Item](previous, next []*cluster.Cluster[T]) Diff[T] {
	byKey := make(map[cluster.Key][]*cluster.Cluster[T], len(previous))
	for _, c := range previous {
		k := c.Key()
		byKey[k] = append(byKey[k], c)
	}

	matched := make(map[*cluster.Cluster[T]]bool, len(previous))
	d := Diff[T]{Retained: make([]*cluster.Cluster[T], 0, len(next))}

	for _, c := range next {
		var match *cluster.Cluster[T]
		for _, candidate := range byKey[c.Key()] {
			if !matched[candidate] && candidate.Equal(c) {
				match = candidate
				break
			}
		}
		if match != nil {
			matched[match] = true
			d.Unchanged = append(d.Unchanged, match)
			d.Retained = append(d.Retained, match)
			continue
		}
		d.Added = append(d.Added, c)
		d.Retained = append(d.Retained, c)
	}

	for _, c := range previous {
		if !matched[c] {
			d.Removed = append(d.Removed, c)
		}
	}

	d.RemovedParents = make([]*cluster.Cluster[T], len(d.Removed))
	for i, c := range d.Removed {
		d.RemovedParents[i] = findParent(next, c.Latitude, c.Longitude)
	}
	d.AddedParents = make([]*cluster.Cluster[T], len(d.Added))
	for i, c := range d.Added {
		d.AddedParents[i] = findParent(d.Removed, c.Latitude, c.Longitude)
	}
	return d
}

func findParent[T cluster.Item](clusters []*cluster.Cluster[T], lat, lng float64) *cluster.Cluster[T] {
	for _, c := range clusters {
		if c.Contains(lat, lng) {
			return c
		}
	}
	return nil
}
