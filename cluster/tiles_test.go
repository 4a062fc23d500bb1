package cluster

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"markercluster/quadtree"
)

type place struct {
	name     string
	lat, lng float64
}

func (p *place) Latitude() float64  { return p.lat }
func (p *place) Longitude() float64 { return p.lng }
func (p *place) Title() string      { return p.name }
func (p *place) Snippet() string    { return "" }

func buildIndex(points ...*place) *quadtree.Tree[*place] {
	tree := quadtree.New[*place](quadtree.DefaultCapacity)
	tree.InsertAll(points)
	return tree
}

func randomPlaces(n int, seed int64, b quadtree.Bounds) []*place {
	r := rand.New(rand.NewSource(seed))
	places := make([]*place, n)
	for i := range places {
		places[i] = &place{
			lat: b.South + r.Float64()*(b.North-b.South),
			lng: b.West + r.Float64()*(b.East-b.West),
		}
	}
	return places
}

func members(clusters []*Cluster[*place]) []*place {
	var out []*place
	for _, c := range clusters {
		out = append(out, c.Items...)
	}
	return out
}

func TestNewGrid(t *testing.T) {
	g := NewGrid(0)
	assert.Equal(t, int64(2), g.TileCount)
	assert.Equal(t, 90.0, g.StepLat)
	assert.Equal(t, 180.0, g.StepLng)

	// floor(2^3.7) = floor(12.99) = 12 tiles per half axis.
	g = NewGrid(3.7)
	assert.Equal(t, int64(24), g.TileCount)
	assert.Equal(t, int64(16), NewGrid(3).TileCount)
	assert.Equal(t, int64(4), NewGrid(1.5).TileCount)

	assert.Equal(t, int64(2), NewGrid(-4).TileCount)
	assert.Equal(t, NewGrid(MaxZoom), NewGrid(MaxZoom+10))
}

func TestGridTileAndTileOf(t *testing.T) {
	g := NewGrid(1) // 4x4 tiles of 45x90 degrees
	assert.Equal(t, quadtree.Bounds{North: 90, West: -180, South: 45, East: -90}, g.Tile(0, 0))
	assert.Equal(t, quadtree.Bounds{North: 0, West: 0, South: -45, East: 90}, g.Tile(2, 2))

	x, y := g.TileOf(0, 0)
	assert.Equal(t, int64(2), x)
	assert.Equal(t, int64(2), y)

	x, y = g.TileOf(-90, 180)
	assert.Equal(t, int64(3), x)
	assert.Equal(t, int64(3), y)

	x, y = g.TileOf(90, -180)
	assert.Zero(t, x)
	assert.Zero(t, y)
}

func TestGridTiles(t *testing.T) {
	assert.Equal(t, int64(4), NewGrid(0).Tiles(quadtree.World))
	assert.Equal(t, int64(16), NewGrid(1).Tiles(quadtree.World))

	// Both halves of a wrapped viewport cover one column each at zoom 0.
	wrapped := quadtree.Bounds{North: 80, West: 170, South: -80, East: -170}
	assert.Equal(t, int64(4), NewGrid(0).Tiles(wrapped))

	assert.Zero(t, NewGrid(3).Tiles(quadtree.Bounds{North: -10, West: 0, South: 10, East: 5}))

	assert.Equal(t, int64(MaxTiles), NewGrid(7).Tiles(quadtree.World))
	assert.Greater(t, NewGrid(8).Tiles(quadtree.World), int64(MaxTiles))
	assert.Greater(t, NewGrid(20).Tiles(quadtree.World), int64(1e12))
}

func TestSinglePointSingleCluster(t *testing.T) {
	p := &place{lat: 48.8566, lng: 2.3522}
	clusters, err := Clusters(context.Background(), buildIndex(p), quadtree.World, 5, 1)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, p.lat, clusters[0].Latitude)
	assert.Equal(t, p.lng, clusters[0].Longitude)
	assert.Equal(t, []*place{p}, clusters[0].Items)
}

func TestIdenticalPointsFormOneCluster(t *testing.T) {
	points := make([]*place, 25)
	for i := range points {
		points[i] = &place{lat: 0.1, lng: -33.3}
	}
	viewport := quadtree.Bounds{North: 1, West: -34, South: -1, East: -33}
	clusters, err := Clusters(context.Background(), buildIndex(points...), viewport, 12, 1)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 25, clusters[0].Size())
	assert.Equal(t, 0.1, clusters[0].Latitude)
	assert.Equal(t, -33.3, clusters[0].Longitude)
}

func TestNearbyPointsShareTile(t *testing.T) {
	a := &place{lat: 0, lng: 0}
	b := &place{lat: 0, lng: 0.0001}
	viewport := quadtree.Bounds{North: 1, West: -1, South: -1, East: 1}

	clusters, err := Clusters(context.Background(), buildIndex(a, b), viewport, 4, 1)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []*place{a, b}, clusters[0].Items)
	assert.InDelta(t, 0.0, clusters[0].Latitude, 1e-12)
	assert.InDelta(t, 0.00005, clusters[0].Longitude, 1e-12)
}

func TestBelowMinimumYieldsSingletons(t *testing.T) {
	a := &place{lat: 10, lng: 10}
	b := &place{lat: 10.5, lng: 10.5}
	c := &place{lat: -60, lng: -120}

	clusters, err := Clusters(context.Background(), buildIndex(a, b, c), quadtree.World, 1, 3)
	require.NoError(t, err)
	require.Len(t, clusters, 3)
	for _, cl := range clusters {
		require.Equal(t, 1, cl.Size())
		assert.Equal(t, cl.Items[0].lat, cl.Latitude)
		assert.Equal(t, cl.Items[0].lng, cl.Longitude)
		assert.True(t, cl.Contains(cl.Latitude, cl.Longitude))
	}

	clusters, err = Clusters(context.Background(), buildIndex(a, b, c), quadtree.World, 1, 2)
	require.NoError(t, err)
	assert.Len(t, clusters, 2)
}

func TestEveryPointCountedOnce(t *testing.T) {
	points := randomPlaces(4000, 11, quadtree.World)
	// Points on grid lines of several zoom levels.
	points = append(points,
		&place{lat: 0, lng: 0}, &place{lat: 45, lng: 90}, &place{lat: -90, lng: 180},
		&place{lat: 90, lng: -180}, &place{lat: 22.5, lng: -45}, &place{lat: 0, lng: 180},
	)
	index := buildIndex(points...)

	for _, zoom := range []float64{0, 1, 2.5, 4, 6} {
		clusters, err := Clusters(context.Background(), index, quadtree.World, zoom, 1)
		require.NoError(t, err)
		assert.ElementsMatch(t, points, members(clusters), "zoom %v", zoom)
	}
}

func TestDeterministic(t *testing.T) {
	index := buildIndex(randomPlaces(3000, 12, quadtree.Bounds{North: 55, West: 5, South: 47, East: 15})...)
	viewport := quadtree.Bounds{North: 54, West: 6, South: 48, East: 14}

	first, err := Clusters(context.Background(), index, viewport, 6.5, 4)
	require.NoError(t, err)
	second, err := Clusters(context.Background(), index, viewport, 6.5, 4)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.True(t, first[i].Equal(second[i]), "cluster %d differs", i)
	}
}

func TestPanningKeepsTiles(t *testing.T) {
	index := buildIndex(randomPlaces(2000, 13, quadtree.Bounds{North: 10, West: -10, South: -10, East: 10})...)
	a, err := Clusters(context.Background(), index, quadtree.Bounds{North: 5, West: -5, South: -5, East: 5}, 5, 1)
	require.NoError(t, err)
	b, err := Clusters(context.Background(), index, quadtree.Bounds{North: 6, West: -4, South: -4, East: 6}, 5, 1)
	require.NoError(t, err)

	byKey := make(map[Key]*Cluster[*place])
	for _, c := range b {
		byKey[c.Key()] = c
	}
	shared := 0
	for _, c := range a {
		if other, ok := byKey[c.Key()]; ok && other.Equal(c) {
			shared++
		}
	}
	assert.Greater(t, shared, 0)
}

func TestAntimeridianViewport(t *testing.T) {
	points := append(
		randomPlaces(300, 14, quadtree.Bounds{North: 20, West: 165, South: -20, East: 180}),
		randomPlaces(300, 15, quadtree.Bounds{North: 20, West: -180, South: -20, East: -165})...,
	)
	points = append(points, &place{lat: 0, lng: 180}, &place{lat: 0, lng: -180})
	index := buildIndex(points...)

	const zoom = 3
	wrapped, err := Clusters(context.Background(), index, quadtree.Bounds{North: 20, West: 170, South: -20, East: -170}, zoom, 1)
	require.NoError(t, err)
	east, err := Clusters(context.Background(), index, quadtree.Bounds{North: 20, West: 170, South: -20, East: 180}, zoom, 1)
	require.NoError(t, err)
	west, err := Clusters(context.Background(), index, quadtree.Bounds{North: 20, West: -180, South: -20, East: -170}, zoom, 1)
	require.NoError(t, err)

	got := members(wrapped)
	assert.ElementsMatch(t, append(members(east), members(west)...), got)

	seen := make(map[*place]bool)
	for _, p := range got {
		assert.False(t, seen[p], "point counted twice")
		seen[p] = true
	}
}

func TestAntimeridianLowZoomNoDoubleCount(t *testing.T) {
	points := randomPlaces(500, 16, quadtree.World)
	index := buildIndex(points...)

	clusters, err := Clusters(context.Background(), index, quadtree.Bounds{North: 80, West: 170, South: -80, East: -170}, 0, 1)
	require.NoError(t, err)

	seen := make(map[*place]bool)
	for _, p := range members(clusters) {
		assert.False(t, seen[p], "point counted twice")
		seen[p] = true
	}
}

func TestInvalidViewportIsEmpty(t *testing.T) {
	index := buildIndex(&place{lat: 1, lng: 1})
	clusters, err := Clusters(context.Background(), index, quadtree.Bounds{North: -10, West: 0, South: 10, East: 5}, 3, 1)
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestCancelledPass(t *testing.T) {
	index := buildIndex(randomPlaces(100, 17, quadtree.World)...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	clusters, err := Clusters(ctx, index, quadtree.World, 3, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, clusters)
}

func TestClusterEqual(t *testing.T) {
	a := &place{lat: 1, lng: 1}
	b := &place{lat: 1, lng: 3}
	tile := quadtree.Bounds{North: 2, West: 0, South: 0, East: 4}

	c1 := newCluster([]*place{a, b}, tile)
	c2 := newCluster([]*place{b, a}, tile)
	c3 := newCluster([]*place{a, &place{lat: 1, lng: 3}}, tile)

	assert.True(t, c1.Equal(c2))
	assert.Equal(t, c1.Key(), c3.Key())
	assert.False(t, c1.Equal(c3), "same coordinates, different members")
	assert.False(t, c1.Equal(nil))
}

func BenchmarkClusters(b *testing.B) {
	index := buildIndex(randomPlaces(100000, 18, quadtree.Bounds{North: 55, West: 5, South: 47, East: 15})...)
	viewport := quadtree.Bounds{North: 54, West: 6, South: 48, East: 14}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Clusters(context.Background(), index, viewport, 7, 1); err != nil {
			b.Fatal(err)
		}
	}
}
