// Package quadtree implements a bucketed point quadtree over latitude/longitude
// with rectangular range queries.
package quadtree

import "sync"

const (
	// DefaultCapacity is the number of points a leaf holds before it splits.
	DefaultCapacity = 4

	// MaxDepth bounds subdivision. Leaves at this depth grow past capacity,
	// which keeps many identical coordinates from recursing forever.
	MaxDepth = 30
)

// Bounds represents a rectangular area in degrees.
type Bounds struct {
	North, West float64
	South, East float64
}

// World is the global extent every tree is rooted at.
var World = Bounds{North: 90, West: -180, South: -90, East: 180}

// Valid reports whether the rectangle is non-empty in both axes.
func (b Bounds) Valid() bool {
	return b.North >= b.South && b.East >= b.West
}

// Contains reports whether the coordinate lies inside b, edges included.
func (b Bounds) Contains(lat, lng float64) bool {
	return lat <= b.North && lat >= b.South && lng >= b.West && lng <= b.East
}

// Intersects checks if two rectangles overlap (separating axis theorem).
func (b Bounds) Intersects(o Bounds) bool {
	return !(o.East < b.West || o.West > b.East ||
		o.South > b.North || o.North < b.South)
}

// Item is anything with a position that can be stored in the tree.
type Item interface {
	Latitude() float64
	Longitude() float64
}

// Tree is a spatial data structure for efficient point storage and retrieval.
// It is not safe for concurrent use; callers guard it.
type Tree[T Item] struct {
	capacity int
	root     *node[T]
	size     int
	results  sync.Pool
}

type node[T Item] struct {
	bounds               Bounds
	depth                int
	points               []T
	divided              bool
	northWest, northEast *node[T]
	southWest, southEast *node[T]
}

// New creates an empty tree covering the whole globe. A non-positive capacity
// falls back to DefaultCapacity.
func New[T Item](capacity int) *Tree[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	t := &Tree[T]{
		capacity: capacity,
		root:     newNode[T](World, 0, capacity),
	}
	t.results.New = func() interface{} {
		slice := make([]T, 0, 64)
		return &slice
	}
	return t
}

func newNode[T Item](bounds Bounds, depth, capacity int) *node[T] {
	return &node[T]{
		bounds: bounds,
		depth:  depth,
		points: make([]T, 0, capacity),
	}
}

// Capacity returns the bucket capacity of the tree's leaves.
func (t *Tree[T]) Capacity() int { return t.capacity }

// Len returns the number of points stored.
func (t *Tree[T]) Len() int { return t.size }

// Insert adds item to the tree. Items outside the global extent are ignored and
// reported as false.
func (t *Tree[T]) Insert(item T) bool {
	if !t.root.bounds.Contains(item.Latitude(), item.Longitude()) {
		return false
	}
	t.root.insert(item, t.capacity)
	t.size++
	return true
}

// InsertAll inserts multiple points into the tree.
func (t *Tree[T]) InsertAll(items []T) {
	for _, it := range items {
		t.Insert(it)
	}
}

// Clear discards every point, leaving a single empty leaf.
func (t *Tree[T]) Clear() {
	t.root = newNode[T](World, 0, t.capacity)
	t.size = 0
}

func (n *node[T]) insert(item T, capacity int) {
	for n.divided {
		n = n.child(item)
	}
	n.points = append(n.points, item)
	if len(n.points) > capacity && n.depth < MaxDepth {
		n.subDivide(capacity)
	}
}

// child picks the quadrant for item. Longitude on the vertical split goes east,
// latitude on the horizontal split goes south.
func (n *node[T]) child(item T) *node[T] {
	midLat := (n.bounds.North + n.bounds.South) / 2
	midLng := (n.bounds.West + n.bounds.East) / 2

	if item.Longitude() >= midLng { // East side
		if item.Latitude() <= midLat {
			return n.southEast
		}
		return n.northEast
	}
	if item.Latitude() <= midLat {
		return n.southWest
	}
	return n.northWest
}

func (n *node[T]) subDivide(capacity int) {
	midLat := (n.bounds.North + n.bounds.South) / 2
	midLng := (n.bounds.West + n.bounds.East) / 2
	depth := n.depth + 1

	n.northWest = newNode[T](Bounds{
		North: n.bounds.North,
		West:  n.bounds.West,
		South: midLat,
		East:  midLng,
	}, depth, capacity)

	n.northEast = newNode[T](Bounds{
		North: n.bounds.North,
		West:  midLng,
		South: midLat,
		East:  n.bounds.East,
	}, depth, capacity)

	n.southWest = newNode[T](Bounds{
		North: midLat,
		West:  n.bounds.West,
		South: n.bounds.South,
		East:  midLng,
	}, depth, capacity)

	n.southEast = newNode[T](Bounds{
		North: midLat,
		West:  midLng,
		South: n.bounds.South,
		East:  n.bounds.East,
	}, depth, capacity)

	n.divided = true

	// Redistribute ALL existing points to children
	points := n.points
	n.points = nil
	for _, p := range points {
		n.child(p).insert(p, capacity)
	}
}

// Query finds all points within the given bounds.
func (t *Tree[T]) Query(b Bounds) []T {
	if !b.Valid() {
		return nil
	}
	// Get a pre-allocated slice from the pool
	resultsPtr := t.results.Get().(*[]T)
	results := (*resultsPtr)[:0]

	t.root.query(b, func(p T) { results = append(results, p) })

	// Create a new slice with exact capacity for the return value
	out := make([]T, len(results))
	copy(out, results)
	clear(results)

	*resultsPtr = results
	t.results.Put(resultsPtr)
	return out
}

// QueryRange is Query with the rectangle spelled out.
func (t *Tree[T]) QueryRange(north, west, south, east float64) []T {
	return t.Query(Bounds{North: north, West: west, South: south, East: east})
}

// Count returns how many points fall within b without materialising them.
func (t *Tree[T]) Count(b Bounds) int {
	if !b.Valid() {
		return 0
	}
	n := 0
	t.root.query(b, func(T) { n++ })
	return n
}

func (n *node[T]) query(b Bounds, visit func(T)) {
	if !n.bounds.Intersects(b) {
		return
	}
	if n.divided {
		n.northWest.query(b, visit)
		n.northEast.query(b, visit)
		n.southWest.query(b, visit)
		n.southEast.query(b, visit)
		return
	}
	for _, p := range n.points {
		if b.Contains(p.Latitude(), p.Longitude()) {
			visit(p)
		}
	}
}
