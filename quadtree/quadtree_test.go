package quadtree

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPoint struct {
	id       int
	lat, lng float64
}

func (p *testPoint) Latitude() float64  { return p.lat }
func (p *testPoint) Longitude() float64 { return p.lng }

func randomPoints(n int, seed int64) []*testPoint {
	r := rand.New(rand.NewSource(seed))
	points := make([]*testPoint, n)
	for i := range points {
		points[i] = &testPoint{
			id:  i,
			lat: r.Float64()*180 - 90,
			lng: r.Float64()*360 - 180,
		}
	}
	return points
}

func TestQueryWorldReturnsEveryPoint(t *testing.T) {
	points := randomPoints(5000, 1)

	forward := New[*testPoint](DefaultCapacity)
	forward.InsertAll(points)

	backward := New[*testPoint](DefaultCapacity)
	for i := len(points) - 1; i >= 0; i-- {
		backward.Insert(points[i])
	}

	assert.Equal(t, len(points), forward.Len())
	assert.ElementsMatch(t, points, forward.Query(World))
	assert.ElementsMatch(t, points, backward.Query(World))
}

func TestQueryNestedRectanglesAreSubsets(t *testing.T) {
	tree := New[*testPoint](DefaultCapacity)
	tree.InsertAll(randomPoints(3000, 2))

	outer := Bounds{North: 60, West: -40, South: -30, East: 80}
	inner := Bounds{North: 10, West: 0, South: -5, East: 20}

	outerSet := make(map[*testPoint]bool)
	for _, p := range tree.Query(outer) {
		outerSet[p] = true
	}
	innerPoints := tree.Query(inner)
	require.NotEmpty(t, innerPoints)
	for _, p := range innerPoints {
		assert.True(t, outerSet[p], "point %d in inner rectangle but not outer", p.id)
	}
}

func TestQueryNoDuplicates(t *testing.T) {
	tree := New[*testPoint](2)
	// Points exactly on split lines of the first few levels.
	points := []*testPoint{
		{id: 0, lat: 0, lng: 0},
		{id: 1, lat: 45, lng: 90},
		{id: 2, lat: -45, lng: -90},
		{id: 3, lat: 0, lng: 90},
		{id: 4, lat: 45, lng: 0},
		{id: 5, lat: 90, lng: 180},
		{id: 6, lat: -90, lng: -180},
	}
	tree.InsertAll(points)

	got := tree.QueryRange(90, -180, -90, 180)
	assert.Len(t, got, len(points))
	assert.ElementsMatch(t, points, got)

	edge := tree.QueryRange(0, 0, 0, 0)
	assert.Equal(t, []*testPoint{points[0]}, edge)
}

func TestSplitLineAssignment(t *testing.T) {
	n := newNode[*testPoint](World, 0, DefaultCapacity)
	n.subDivide(DefaultCapacity)

	assert.Same(t, n.southEast, n.child(&testPoint{lat: 0, lng: 0}))
	assert.Same(t, n.northEast, n.child(&testPoint{lat: 0.1, lng: 0}))
	assert.Same(t, n.southWest, n.child(&testPoint{lat: 0, lng: -0.1}))
	assert.Same(t, n.northWest, n.child(&testPoint{lat: 10, lng: -10}))
}

func TestInvalidRectangleIsEmpty(t *testing.T) {
	tree := New[*testPoint](DefaultCapacity)
	tree.InsertAll(randomPoints(100, 3))

	assert.Empty(t, tree.QueryRange(-10, 0, 10, 20), "north below south")
	assert.Empty(t, tree.QueryRange(10, 20, -10, 0), "west east of east")
	assert.Zero(t, tree.Count(Bounds{North: -1, South: 1}))
}

func TestInsertOutsideWorldIgnored(t *testing.T) {
	tree := New[*testPoint](DefaultCapacity)
	assert.False(t, tree.Insert(&testPoint{lat: 91, lng: 0}))
	assert.False(t, tree.Insert(&testPoint{lat: 0, lng: -181}))
	assert.Zero(t, tree.Len())
	assert.Empty(t, tree.Query(World))
}

func TestIdenticalPointsDoNotRecurseForever(t *testing.T) {
	tree := New[*testPoint](DefaultCapacity)
	points := make([]*testPoint, 200)
	for i := range points {
		points[i] = &testPoint{id: i, lat: 52.52, lng: 13.405}
	}
	tree.InsertAll(points)

	assert.Equal(t, 200, tree.Len())
	assert.ElementsMatch(t, points, tree.QueryRange(53, 13, 52, 14))
}

func TestClear(t *testing.T) {
	tree := New[*testPoint](DefaultCapacity)
	tree.InsertAll(randomPoints(500, 4))
	require.Equal(t, 500, tree.Len())

	tree.Clear()
	assert.Zero(t, tree.Len())
	assert.Empty(t, tree.Query(World))

	tree.Insert(&testPoint{lat: 1, lng: 1})
	assert.Len(t, tree.Query(World), 1)
}

func TestCountMatchesQuery(t *testing.T) {
	tree := New[*testPoint](8)
	tree.InsertAll(randomPoints(2000, 5))
	b := Bounds{North: 30, West: -20, South: -30, East: 45}
	assert.Equal(t, len(tree.Query(b)), tree.Count(b))
}

func TestNonPositiveCapacityUsesDefault(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New[*testPoint](0).Capacity())
	assert.Equal(t, 16, New[*testPoint](16).Capacity())
}

func BenchmarkInsert(b *testing.B) {
	points := randomPoints(100000, 6)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tree := New[*testPoint](DefaultCapacity)
		tree.InsertAll(points)
	}
}

func BenchmarkQuery(b *testing.B) {
	tree := New[*testPoint](DefaultCapacity)
	tree.InsertAll(randomPoints(100000, 7))
	bounds := Bounds{North: 10, West: -10, South: -10, East: 10}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tree.Query(bounds)
	}
}
