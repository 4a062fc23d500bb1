package render

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/paulmach/orb"

	"markercluster/cluster"
)

// Z-indexes assigned to markers. Markers on their way out sit behind new ones.
const (
	BackgroundZIndex = 0
	ForegroundZIndex = 1
)

// MarkerID is the handle a Surface assigns to a marker it created.
type MarkerID string

// MarkerOptions describes a marker to create.
type MarkerOptions struct {
	Position orb.Point
	Title    string
	Snippet  string
	Count    int
	Alpha    float64
	ZIndex   int
}

// Surface is the host map that draws markers. Implementations must not call
// back into the Renderer from these methods.
type Surface interface {
	AddMarker(opts MarkerOptions) MarkerID
	// AnimateMarker moves a marker from where it is to `to`, removing it once
	// the animation ends when removeAfter is set.
	AnimateMarker(id MarkerID, to orb.Point, removeAfter bool)
	FadeIn(id MarkerID)
	SetZIndex(id MarkerID, z int)
	RemoveMarker(id MarkerID)
}

// Callbacks receive marker clicks. Returning true consumes the event.
type Callbacks[T cluster.Item] interface {
	OnClusterClick(c *cluster.Cluster[T]) bool
	OnClusterItemClick(item T) bool
}

// PostProcessor may adjust a marker right after it is created, or again
// when its state was marked dirty.
type PostProcessor[T cluster.Item] interface {
	PostProcess(id MarkerID, c *cluster.Cluster[T])
}

// MarkerState associates a rendered cluster with its marker.
type MarkerState struct {
	Marker MarkerID
	Dirty  bool
}

// Stats counts the marker operations of one Render call.
type Stats struct {
	Added, Removed, Unchanged int
	Animated                  int
}

// Renderer keeps the clusters currently on a Surface and applies new passes
// to it. Render, Clear and MarkDirty are expected to run on the host's single
// callback context; OnMarkerClick may come from anywhere.
type Renderer[T cluster.Item] struct {
	surface Surface

	mu        sync.Mutex
	clusters  []*cluster.Cluster[T]
	markers   map[*cluster.Cluster[T]]*MarkerState
	byID      map[MarkerID]*cluster.Cluster[T]
	callbacks Callbacks[T]
	post      PostProcessor[T]
}

// NewRenderer creates a renderer drawing on surface.
func NewRenderer[T cluster.Item](surface Surface) *Renderer[T] {
	return &Renderer[T]{
		surface: surface,
		markers: make(map[*cluster.Cluster[T]]*MarkerState),
		byID:    make(map[MarkerID]*cluster.Cluster[T]),
	}
}

// SetCallbacks sets the click listener; nil unsets it.
func (r *Renderer[T]) SetCallbacks(cb Callbacks[T]) {
	r.mu.Lock()
	r.callbacks = cb
	r.mu.Unlock()
}

// SetPostProcessor sets the marker post processor; nil disables it.
func (r *Renderer[T]) SetPostProcessor(p PostProcessor[T]) {
	r.mu.Lock()
	r.post = p
	r.mu.Unlock()
}

// Render diffs clusters against the markers on screen and issues the
// create/animate/remove calls that bring the surface up to date.
func (r *Renderer[T]) Render(clusters []*cluster.Cluster[T]) (Diff[T], Stats) {
	d, stats, _ := r.RenderContext(context.Background(), clusters)
	return d, stats
}

// RenderContext is Render for a pass that may be superseded. ctx is checked
// once the renderer is locked, so a pass cancelled before a concurrent Clear
// cannot draw after it. A cancelled pass touches nothing and returns ctx.Err().
func (r *Renderer[T]) RenderContext(ctx context.Context, clusters []*cluster.Cluster[T]) (Diff[T], Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Diff[T]{}, Stats{}, err
	}

	d := Compute(r.clusters, clusters)
	var stats Stats

	// Remove the old clusters.
	for i, c := range d.Removed {
		state := r.markers[c]
		r.surface.SetZIndex(state.Marker, BackgroundZIndex)
		if parent := d.RemovedParents[i]; parent != nil {
			r.surface.AnimateMarker(state.Marker, parent.Position(), true)
			stats.Animated++
		} else {
			r.surface.RemoveMarker(state.Marker)
		}
		delete(r.markers, c)
		delete(r.byID, state.Marker)
	}

	// Add the new clusters.
	for i, c := range d.Added {
		opts := markerOptions(c)
		var id MarkerID
		if parent := d.AddedParents[i]; parent != nil {
			opts.Position = parent.Position()
			id = r.surface.AddMarker(opts)
			r.surface.AnimateMarker(id, c.Position(), false)
			stats.Animated++
		} else {
			opts.Alpha = 0
			id = r.surface.AddMarker(opts)
			r.surface.FadeIn(id)
		}
		if r.post != nil {
			r.post.PostProcess(id, c)
		}
		r.markers[c] = &MarkerState{Marker: id}
		r.byID[id] = c
	}

	for _, c := range d.Unchanged {
		state := r.markers[c]
		if state.Dirty {
			if r.post != nil {
				r.post.PostProcess(state.Marker, c)
			}
			state.Dirty = false
		}
	}

	r.clusters = d.Retained
	stats.Added = len(d.Added)
	stats.Removed = len(d.Removed)
	stats.Unchanged = len(d.Unchanged)
	return d, stats, nil
}

func markerOptions[T cluster.Item](c *cluster.Cluster[T]) MarkerOptions {
	opts := MarkerOptions{
		Position: c.Position(),
		Count:    c.Size(),
		Alpha:    1,
		ZIndex:   ForegroundZIndex,
	}
	if c.Size() == 1 {
		opts.Title = c.Items[0].Title()
		opts.Snippet = c.Items[0].Snippet()
	}
	return opts
}

// Clear removes every marker and forgets all rendered state.
func (r *Renderer[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.clusters {
		r.surface.RemoveMarker(r.markers[c].Marker)
	}
	r.clusters = nil
	r.markers = make(map[*cluster.Cluster[T]]*MarkerState)
	r.byID = make(map[MarkerID]*cluster.Cluster[T])
}

// OnMarkerClick dispatches a click on marker id to the callbacks: clusters
// with more than one item go to OnClusterClick, singletons to
// OnClusterItemClick. Unknown markers and a missing listener report false.
func (r *Renderer[T]) OnMarkerClick(id MarkerID) bool {
	r.mu.Lock()
	c, ok := r.byID[id]
	cb := r.callbacks
	r.mu.Unlock()

	if !ok || cb == nil {
		return false
	}
	if c.Size() > 1 {
		return cb.OnClusterClick(c)
	}
	return cb.OnClusterItemClick(c.Items[0])
}

// MarkDirty flags a marker for refresh on the next pass. It reports false
// for unknown markers.
func (r *Renderer[T]) MarkDirty(id MarkerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return false
	}
	r.markers[c].Dirty = true
	return true
}

// State returns the marker state of id.
func (r *Renderer[T]) State(id MarkerID) (MarkerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return MarkerState{}, false
	}
	return *r.markers[c], true
}

// Cluster returns the cluster drawn by marker id.
func (r *Renderer[T]) Cluster(id MarkerID) (*cluster.Cluster[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	return c, ok
}

// Len returns the number of markers on screen.
func (r *Renderer[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clusters)
}

// Discard is a Surface that draws nothing. It still hands out unique IDs so a
// headless renderer keeps consistent state.
type Discard struct {
	next atomic.Uint64
}

func (d *Discard) AddMarker(MarkerOptions) MarkerID {
	return MarkerID(strconv.FormatUint(d.next.Add(1), 10))
}

func (*Discard) AnimateMarker(MarkerID, orb.Point, bool) {}
func (*Discard) FadeIn(MarkerID)                         {}
func (*Discard) SetZIndex(MarkerID, int)                 {}
func (*Discard) RemoveMarker(MarkerID)                   {}

var iconBuckets = []int{10, 20, 50, 100, 500, 1000, 5000, 10000, 20000, 50000, 100000}

// CountBucket rounds a cluster size down to the icon bucket it is drawn with,
// so hosts can cache one icon per bucket. Sizes up to the first bucket are
// kept as is.
func CountBucket(n int) int {
	if n <= iconBuckets[0] {
		return n
	}
	for i := 0; i < len(iconBuckets)-1; i++ {
		if n < iconBuckets[i+1] {
			return iconBuckets[i]
		}
	}
	return iconBuckets[len(iconBuckets)-1]
}
