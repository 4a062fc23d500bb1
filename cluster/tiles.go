package cluster

import (
	"context"
	"math"

	"markercluster/quadtree"
)

const (
	// DefaultMinClusterSize groups any non-empty tile into a single cluster.
	DefaultMinClusterSize = 1

	// MaxZoom caps the grid at 2^31 tiles per axis.
	MaxZoom = 30

	// MaxTiles is the most tiles a host should let one viewport query visit.
	// Check requests with Grid.Tiles before clustering them.
	MaxTiles = 1 << 16

	// tilePad widens each tile query so points sitting on a tile edge after
	// rounding are still seen; ownership is decided by Grid.TileOf.
	tilePad = 1e-9
)

// Index is the read side of the spatial index used by the clusterer.
type Index[T any] interface {
	Query(b quadtree.Bounds) []T
}

// Grid is the uniform lat/long tiling for one zoom level. Lines are anchored at
// the north pole and the antimeridian, so panning never moves them.
type Grid struct {
	TileCount int64
	StepLat   float64
	StepLng   float64
}

// NewGrid returns the grid for zoom. Zoom is clamped to [0, MaxZoom].
func NewGrid(zoom float64) Grid {
	if math.IsNaN(zoom) || zoom < 0 {
		zoom = 0
	}
	if zoom > MaxZoom {
		zoom = MaxZoom
	}
	tileCount := int64(math.Floor(math.Pow(2, zoom))) * 2
	return Grid{
		TileCount: tileCount,
		StepLat:   180.0 / float64(tileCount),
		StepLng:   360.0 / float64(tileCount),
	}
}

// Tile returns the exact rectangle of tile (x, y); y counts down from the pole.
func (g Grid) Tile(x, y int64) quadtree.Bounds {
	north := 90.0 - float64(y)*g.StepLat
	west := float64(x)*g.StepLng - 180.0
	return quadtree.Bounds{
		North: north,
		West:  west,
		South: north - g.StepLat,
		East:  west + g.StepLng,
	}
}

// TileOf returns the single tile owning a coordinate. Points on a shared edge
// belong to the tile east/south of it; the outer edges of the globe fold back
// into the last column/row.
func (g Grid) TileOf(lat, lng float64) (x, y int64) {
	return g.clamp(int64(math.Floor((lng + 180.0) / g.StepLng))),
		g.clamp(int64(math.Floor((90.0 - lat) / g.StepLat)))
}

func (g Grid) clamp(i int64) int64 {
	if i < 0 {
		return 0
	}
	if i >= g.TileCount {
		return g.TileCount - 1
	}
	return i
}

// span is a closed tile-index range, padded by one at the end.
type span struct{ x0, x1, y0, y1 int64 }

func (g Grid) span(north, west, south, east float64) span {
	return span{
		x0: g.clamp(int64(math.Floor((west + 180.0) / g.StepLng))),
		x1: g.clamp(int64(math.Floor((east+180.0)/g.StepLng)) + 1),
		y0: g.clamp(int64(math.Floor((90.0 - north) / g.StepLat))),
		y1: g.clamp(int64(math.Floor((90.0-south)/g.StepLat)) + 1),
	}
}

// spans returns the tile ranges a viewport covers. A viewport with West > East
// wraps across the antimeridian and yields two ranges, the second trimmed of
// columns the first already covers.
func (g Grid) spans(viewport quadtree.Bounds) []span {
	if viewport.North < viewport.South {
		return nil
	}
	if viewport.West <= viewport.East {
		return []span{g.span(viewport.North, viewport.West, viewport.South, viewport.East)}
	}
	// Longitude +180°/-180° overlap.
	// [west; 180]
	first := g.span(viewport.North, viewport.West, viewport.South, 180.0)
	// [-180; east]
	second := g.span(viewport.North, -180.0, viewport.South, viewport.East)
	if second.x1 >= first.x0 {
		second.x1 = first.x0 - 1
	}
	if second.x1 < second.x0 {
		return []span{first}
	}
	return []span{first, second}
}

// Tiles returns how many tiles a clustering pass over viewport visits.
func (g Grid) Tiles(viewport quadtree.Bounds) int64 {
	var n int64
	for _, s := range g.spans(viewport) {
		n += (s.x1 - s.x0 + 1) * (s.y1 - s.y0 + 1)
	}
	return n
}

// Clusters computes the clusters visible in viewport at zoom. A viewport with
// West > East wraps across the antimeridian. Tiles holding at least
// minClusterSize points become one cluster, sparser tiles yield one cluster per
// point. ctx is checked at every tile; a cancelled pass returns ctx.Err().
func Clusters[T Item](ctx context.Context, index Index[T], viewport quadtree.Bounds, zoom float64, minClusterSize int) ([]*Cluster[T], error) {
	if minClusterSize <= 0 {
		minClusterSize = DefaultMinClusterSize
	}
	g := NewGrid(zoom)

	var clusters []*Cluster[T]
	var err error
	for _, s := range g.spans(viewport) {
		clusters, err = collect(ctx, g, index, clusters, s, minClusterSize)
		if err != nil {
			return nil, err
		}
	}
	return clusters, nil
}

func collect[T Item](ctx context.Context, g Grid, index Index[T], clusters []*Cluster[T], s span, minClusterSize int) ([]*Cluster[T], error) {
	for tileX := s.x0; tileX <= s.x1; tileX++ {
		for tileY := s.y0; tileY <= s.y1; tileY++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			tile := g.Tile(tileX, tileY)
			points := index.Query(quadtree.Bounds{
				North: tile.North + tilePad,
				West:  tile.West - tilePad,
				South: tile.South - tilePad,
				East:  tile.East + tilePad,
			})
			points = owned(g, points, tileX, tileY)
			if len(points) == 0 {
				continue
			}

			if len(points) >= minClusterSize {
				clusters = append(clusters, newCluster(points, tile))
				continue
			}
			for _, p := range points {
				clusters = append(clusters, singleton(p, tile))
			}
		}
	}
	return clusters, nil
}

// owned filters points down to those whose own tile is (x, y), in place.
func owned[T Item](g Grid, points []T, x, y int64) []T {
	kept := points[:0]
	for _, p := range points {
		px, py := g.TileOf(p.Latitude(), p.Longitude())
		if px == x && py == y {
			kept = append(kept, p)
		}
	}
	return kept
}
