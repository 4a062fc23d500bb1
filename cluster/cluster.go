// Package cluster groups indexed points into per-tile clusters for a viewport
// and zoom level.
package cluster

import (
	"github.com/paulmach/orb"

	"markercluster/quadtree"
)

// Item is a clusterable point. Implementations must be comparable; pointer
// types are the usual choice.
type Item interface {
	comparable
	quadtree.Item
	Title() string
	Snippet() string
}

// Cluster represents one marker on the map: a group of one or more items shown
// at their centroid.
type Cluster[T Item] struct {
	Latitude  float64
	Longitude float64
	Items     []T

	// Bounds is the tile the cluster was produced from.
	Bounds quadtree.Bounds
}

// Key identifies a cluster by its coordinates and size. Equal clusters always
// share a key; the reverse needs Equal.
type Key struct {
	Latitude, Longitude float64
	Size                int
}

// Size returns the number of items in the cluster.
func (c *Cluster[T]) Size() int { return len(c.Items) }

// Position returns the centroid as an orb point (X longitude, Y latitude).
func (c *Cluster[T]) Position() orb.Point {
	return orb.Point{c.Longitude, c.Latitude}
}

// Contains reports whether the cluster's tile contains the coordinate.
func (c *Cluster[T]) Contains(lat, lng float64) bool {
	return c.Bounds.Contains(lat, lng)
}

// Key returns the hashable part of the cluster identity.
func (c *Cluster[T]) Key() Key {
	return Key{Latitude: c.Latitude, Longitude: c.Longitude, Size: len(c.Items)}
}

// Equal reports value equality: same centroid and same members, in any order.
func (c *Cluster[T]) Equal(o *Cluster[T]) bool {
	if c == o {
		return true
	}
	if c == nil || o == nil || c.Key() != o.Key() {
		return false
	}
	if sameOrder(c.Items, o.Items) {
		return true
	}
	counts := make(map[T]int, len(c.Items))
	for _, it := range c.Items {
		counts[it]++
	}
	for _, it := range o.Items {
		if counts[it] == 0 {
			return false
		}
		counts[it]--
	}
	return true
}

func sameOrder[T comparable](a, b []T) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// newCluster builds a cluster centred on the mean of items. The mean is taken
// relative to the first item so identical coordinates reproduce exactly.
func newCluster[T Item](items []T, tile quadtree.Bounds) *Cluster[T] {
	lat0, lng0 := items[0].Latitude(), items[0].Longitude()
	var dLat, dLng float64
	for _, it := range items[1:] {
		dLat += it.Latitude() - lat0
		dLng += it.Longitude() - lng0
	}
	n := float64(len(items))
	return &Cluster[T]{
		Latitude:  lat0 + dLat/n,
		Longitude: lng0 + dLng/n,
		Items:     items,
		Bounds:    tile,
	}
}

func singleton[T Item](item T, tile quadtree.Bounds) *Cluster[T] {
	return &Cluster[T]{
		Latitude:  item.Latitude(),
		Longitude: item.Longitude(),
		Items:     []T{item},
		Bounds:    tile,
	}
}
