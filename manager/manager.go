// Package manager coordinates index rebuilds and clustering passes for one map
// and hands the results to a renderer.
//
// All background work runs on a single worker goroutine. A full item replace
// (SetItems) rebuilds the index off to the side and swaps it in; a viewport
// change (Cluster, OnViewportIdle) recomputes clusters. Newer requests cancel
// superseded ones, and cancelled work never reaches the renderer.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"markercluster/cluster"
	"markercluster/metrics"
	"markercluster/quadtree"
	"markercluster/render"
)

var (
	// ErrInvalidArgument is returned for rejected input. No state changes.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrClosed is returned once the manager was closed.
	ErrClosed = errors.New("manager is closed")
)

// rebuildCheckInterval is how many inserts a rebuild does between
// cancellation checks.
const rebuildCheckInterval = 1024

// State is the coordinator state of a manager.
type State int

const (
	Idle State = iota
	RebuildingIndex
	Clustering
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case RebuildingIndex:
		return "RebuildingIndex"
	case Clustering:
		return "Clustering"
	default:
		return "Unknown"
	}
}

// Map is the host map. Both methods are read when a clustering pass starts,
// from the worker goroutine, so implementations must be safe for concurrent use.
type Map interface {
	Viewport() quadtree.Bounds
	Zoom() float64
}

// Executor runs f on the host's single-threaded context. Renders and marker
// clears are delivered through it.
type Executor func(f func())

// Stats summarises the work a manager has done.
type Stats struct {
	Rebuilds      int
	Passes        int
	Cancelled     int
	LastRebuild   time.Time
	AvgPassTime   time.Duration
	MarkersOnMap  int
	IndexedPoints int
}

type taskKind int

const (
	rebuildTask taskKind = iota
	clusterTask
)

type task[T cluster.Item] struct {
	kind   taskKind
	ctx    context.Context
	cancel context.CancelFunc
	items  []T
}

// Manager clusters a set of items for one map.
type Manager[T cluster.Item] struct {
	m        Map
	renderer *render.Renderer[T]
	exec     Executor
	capacity int

	indexMu sync.RWMutex
	index   *quadtree.Tree[T]

	mu             sync.Mutex
	cond           *sync.Cond
	queue          []*task[T]
	rebuild        *task[T] // pending or running
	clustering     *task[T] // pending, running or awaiting render
	state          State
	idle           chan struct{}
	minClusterSize int
	closed         bool
	stats          Stats
	done           chan struct{}
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	capacity       int
	exec           Executor
	minClusterSize int
}

// WithBucketCapacity sets the quadtree leaf capacity.
func WithBucketCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithExecutor delivers renders through exec instead of running them on the
// worker goroutine.
func WithExecutor(exec Executor) Option {
	return func(o *options) { o.exec = exec }
}

// WithMinClusterSize sets the initial minimum cluster size.
func WithMinClusterSize(n int) Option {
	return func(o *options) { o.minClusterSize = n }
}

// New creates a manager clustering for m and drawing on surface, and starts
// its worker. Close stops it.
func New[T cluster.Item](m Map, surface render.Surface, opts ...Option) (*Manager[T], error) {
	if m == nil {
		return nil, fmt.Errorf("nil map: %w", ErrInvalidArgument)
	}
	if surface == nil {
		return nil, fmt.Errorf("nil surface: %w", ErrInvalidArgument)
	}
	o := options{
		capacity:       quadtree.DefaultCapacity,
		minClusterSize: cluster.DefaultMinClusterSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.minClusterSize <= 0 {
		return nil, fmt.Errorf("min cluster size %d: %w", o.minClusterSize, ErrInvalidArgument)
	}

	mgr := &Manager[T]{
		m:              m,
		renderer:       render.NewRenderer[T](surface),
		exec:           o.exec,
		capacity:       o.capacity,
		index:          quadtree.New[T](o.capacity),
		idle:           make(chan struct{}),
		minClusterSize: o.minClusterSize,
		done:           make(chan struct{}),
	}
	if mgr.exec == nil {
		mgr.exec = func(f func()) { f() }
	}
	close(mgr.idle)
	mgr.cond = sync.NewCond(&mgr.mu)
	go mgr.run()
	return mgr, nil
}

// SetItems replaces the whole item set. The index is rebuilt in the background
// and the new clusters are rendered for the viewport current at that time.
// Any in-flight rebuild or clustering pass is cancelled.
func (m *Manager[T]) SetItems(items []T) error {
	var zero T
	for i, item := range items {
		if item == zero {
			return fmt.Errorf("item %d is nil: %w", i, ErrInvalidArgument)
		}
	}
	items = append([]T(nil), items...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.cancelLocked(m.rebuild)
	m.cancelLocked(m.clustering)
	m.clustering = nil
	m.rebuild = m.enqueueLocked(rebuildTask, items)
	m.transitionLocked()
	return nil
}

// AddItem inserts item into the live index right away. It neither schedules
// nor cancels work; call Cluster to show it.
func (m *Manager[T]) AddItem(item T) error {
	var zero T
	if item == zero {
		return fmt.Errorf("nil item: %w", ErrInvalidArgument)
	}
	m.indexMu.Lock()
	m.index.Insert(item)
	m.indexMu.Unlock()
	return nil
}

// ClearItems cancels all work, empties the index and removes every marker.
func (m *Manager[T]) ClearItems() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.cancelLocked(m.rebuild)
	m.cancelLocked(m.clustering)
	m.rebuild, m.clustering = nil, nil
	m.indexMu.Lock()
	m.index.Clear()
	m.indexMu.Unlock()
	m.transitionLocked()
	m.mu.Unlock()

	m.exec(m.renderer.Clear)
	return nil
}

// SetMinClusterSize sets how many items a tile needs to be drawn as one
// cluster. n must be positive. It applies from the next pass.
func (m *Manager[T]) SetMinClusterSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("min cluster size %d: %w", n, ErrInvalidArgument)
	}
	m.mu.Lock()
	m.minClusterSize = n
	m.mu.Unlock()
	return nil
}

// MinClusterSize returns the current minimum cluster size.
func (m *Manager[T]) MinClusterSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minClusterSize
}

// Cluster recomputes clusters for the current viewport, cancelling a pass in
// flight. While a rebuild is pending the request is dropped: the rebuild
// clusters on completion.
func (m *Manager[T]) Cluster() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.rebuild != nil {
		return nil
	}
	m.scheduleClusteringLocked()
	return nil
}

// OnViewportIdle is the host's notification that the camera stopped moving.
func (m *Manager[T]) OnViewportIdle() error {
	return m.Cluster()
}

// OnMarkerClick dispatches a marker click to the callbacks.
func (m *Manager[T]) OnMarkerClick(id render.MarkerID) bool {
	return m.renderer.OnMarkerClick(id)
}

// SetCallbacks sets the click listener.
func (m *Manager[T]) SetCallbacks(cb render.Callbacks[T]) {
	m.renderer.SetCallbacks(cb)
}

// SetPostProcessor sets the marker post processor.
func (m *Manager[T]) SetPostProcessor(p render.PostProcessor[T]) {
	m.renderer.SetPostProcessor(p)
}

// Renderer returns the renderer drawing this manager's markers.
func (m *Manager[T]) Renderer() *render.Renderer[T] {
	return m.renderer
}

// Clusters computes clusters for an arbitrary viewport against the live index
// without rendering them.
func (m *Manager[T]) Clusters(ctx context.Context, viewport quadtree.Bounds, zoom float64) ([]*cluster.Cluster[T], error) {
	minClusterSize := m.MinClusterSize()
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()
	return cluster.Clusters(ctx, m.index, viewport, zoom, minClusterSize)
}

// Count returns how many indexed items lie in viewport. West > East wraps
// across the antimeridian.
func (m *Manager[T]) Count(viewport quadtree.Bounds) int {
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()
	if viewport.West > viewport.East {
		east, west := viewport, viewport
		east.East = 180
		west.West = -180
		return m.index.Count(east) + m.index.Count(west)
	}
	return m.index.Count(viewport)
}

// Len returns the number of indexed items.
func (m *Manager[T]) Len() int {
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()
	return m.index.Len()
}

// State returns the coordinator state.
func (m *Manager[T]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager[T]) Stats() Stats {
	m.mu.Lock()
	stats := m.stats
	m.mu.Unlock()
	stats.MarkersOnMap = m.renderer.Len()
	stats.IndexedPoints = m.Len()
	return stats
}

// Wait blocks until the manager is Idle or ctx is done.
func (m *Manager[T]) Wait(ctx context.Context) error {
	m.mu.Lock()
	idle := m.idle
	m.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels all work and stops the worker. Markers stay on the surface.
func (m *Manager[T]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	m.cancelLocked(m.rebuild)
	m.cancelLocked(m.clustering)
	m.rebuild, m.clustering = nil, nil
	m.queue = nil
	m.transitionLocked()
	m.cond.Broadcast()
	m.mu.Unlock()
	<-m.done
}

// enqueueLocked queues a task for the worker. The caller records it in its
// slot and then calls transitionLocked.
func (m *Manager[T]) enqueueLocked(kind taskKind, items []T) *task[T] {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task[T]{kind: kind, ctx: ctx, cancel: cancel, items: items}
	m.queue = append(m.queue, t)
	m.cond.Signal()
	return t
}

func (m *Manager[T]) scheduleClusteringLocked() {
	m.cancelLocked(m.clustering)
	m.clustering = m.enqueueLocked(clusterTask, nil)
	m.transitionLocked()
}

func (m *Manager[T]) cancelLocked(t *task[T]) {
	if t == nil || t.ctx.Err() != nil {
		return
	}
	t.cancel()
	m.stats.Cancelled++
	if t.kind == rebuildTask {
		metrics.Cancelled(metrics.TaskRebuild)
	} else {
		metrics.Cancelled(metrics.TaskClustering)
	}
}

// transitionLocked derives the state from the live tasks and wakes waiters
// when the manager goes idle.
func (m *Manager[T]) transitionLocked() {
	next := Idle
	switch {
	case m.rebuild != nil:
		next = RebuildingIndex
	case m.clustering != nil:
		next = Clustering
	}
	if next == m.state {
		return
	}
	if m.state == Idle {
		m.idle = make(chan struct{})
	}
	m.state = next
	if next == Idle {
		close(m.idle)
	}
}

func (m *Manager[T]) run() {
	defer close(m.done)
	for {
		t, ok := m.next()
		if !ok {
			return
		}
		switch t.kind {
		case rebuildTask:
			m.runRebuild(t)
		case clusterTask:
			m.runClustering(t)
		}
	}
}

// next blocks until a live task is queued. It reports false once closed.
func (m *Manager[T]) next() (*task[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			return nil, false
		}
		t := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		if t.ctx.Err() == nil {
			return t, true
		}
	}
}

func (m *Manager[T]) runRebuild(t *task[T]) {
	start := time.Now()
	tree := quadtree.New[T](m.capacity)
	for i, item := range t.items {
		if i%rebuildCheckInterval == 0 && t.ctx.Err() != nil {
			return
		}
		tree.Insert(item)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ctx.Err() != nil {
		return
	}
	m.indexMu.Lock()
	m.index = tree
	m.indexMu.Unlock()
	t.cancel()

	elapsed := time.Since(start)
	metrics.ObserveRebuild(elapsed)
	m.stats.Rebuilds++
	m.stats.LastRebuild = time.Now()

	m.rebuild = nil
	if m.closed {
		m.transitionLocked()
		return
	}
	m.scheduleClusteringLocked()
}

func (m *Manager[T]) runClustering(t *task[T]) {
	start := time.Now()
	viewport, zoom := m.m.Viewport(), m.m.Zoom()
	clusters, err := m.Clusters(t.ctx, viewport, zoom)
	if err != nil {
		// Superseded; whoever cancelled owns the state.
		return
	}
	elapsed := time.Since(start)
	metrics.ObservePass(elapsed, len(clusters))

	m.exec(func() {
		defer m.finish(t)
		_, stats, err := m.renderer.RenderContext(t.ctx, clusters)
		if err != nil {
			return
		}
		metrics.MarkerOps(stats.Added, stats.Removed, stats.Animated)
	})

	m.mu.Lock()
	m.stats.Passes++
	// Update average pass time using weighted average
	if m.stats.Passes == 1 {
		m.stats.AvgPassTime = elapsed
	} else {
		const weight = 0.1
		m.stats.AvgPassTime = time.Duration(float64(m.stats.AvgPassTime)*(1-weight) + float64(elapsed)*weight)
	}
	m.mu.Unlock()
}

func (m *Manager[T]) finish(t *task[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clustering == t {
		m.clustering = nil
		m.transitionLocked()
	}
	t.cancel()
}
