// Package dataset loads and generates the points a map clusters.
//
// Point files are GeoJSON FeatureCollections of Point or MultiPoint features,
// optionally zstd compressed (".zst" suffix). The "name" (or "title") and
// "description" (or "snippet") properties become the marker title and snippet.
package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"markercluster/quadtree"
)

var (
	// ErrEmptyFile is returned when loading a zero-length file.
	ErrEmptyFile = errors.New("empty point file")

	// ErrInvalidPoint is returned for coordinates outside the globe.
	ErrInvalidPoint = errors.New("invalid point")
)

// Place is a named point on the map.
type Place struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
}

func (p *Place) Latitude() float64  { return p.Lat }
func (p *Place) Longitude() float64 { return p.Lng }
func (p *Place) Title() string      { return p.Name }
func (p *Place) Snippet() string    { return p.Description }

// Point returns the place as an orb point.
func (p *Place) Point() orb.Point { return orb.Point{p.Lng, p.Lat} }

// Validate checks the coordinates are on the globe.
func (p *Place) Validate() error {
	if !quadtree.World.Contains(p.Lat, p.Lng) {
		return fmt.Errorf("%w: lat %v lng %v", ErrInvalidPoint, p.Lat, p.Lng)
	}
	return nil
}

// Load reads a point file. The file is mapped read-only and decoded in place;
// ".zst" files are decompressed first.
func Load(path string) ([]*Place, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}

	data, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", path, err)
	}
	defer data.Unmap()

	raw := []byte(data)
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer dec.Close()
		if raw, err = dec.DecodeAll(data, nil); err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", path, err)
		}
	}

	places, err := Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return places, nil
}

// Decode parses a GeoJSON FeatureCollection. Features that are not points are
// skipped. Features without an id get one derived from their position in the
// collection.
func Decode(data []byte) ([]*Place, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode feature collection: %w", err)
	}

	places := make([]*Place, 0, len(fc.Features))
	for i, f := range fc.Features {
		var points []orb.Point
		switch g := f.Geometry.(type) {
		case orb.Point:
			points = []orb.Point{g}
		case orb.MultiPoint:
			points = g
		default:
			continue
		}

		id := fmt.Sprint(i)
		if f.ID != nil {
			id = fmt.Sprint(f.ID)
		}
		name := f.Properties.MustString("name", f.Properties.MustString("title", ""))
		description := f.Properties.MustString("description", f.Properties.MustString("snippet", ""))

		for j, pt := range points {
			p := &Place{
				ID:          id,
				Name:        name,
				Description: description,
				Lat:         pt.Lat(),
				Lng:         pt.Lon(),
			}
			if len(points) > 1 {
				p.ID = fmt.Sprintf("%s-%d", id, j)
			}
			if err := p.Validate(); err != nil {
				return nil, fmt.Errorf("feature %d: %w", i, err)
			}
			places = append(places, p)
		}
	}
	return places, nil
}

// Encode writes places as a GeoJSON FeatureCollection of points.
func Encode(places []*Place) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, p := range places {
		f := geojson.NewFeature(p.Point())
		f.ID = p.ID
		f.Properties["name"] = p.Name
		if p.Description != "" {
			f.Properties["description"] = p.Description
		}
		fc.Append(f)
	}
	return fc.MarshalJSON()
}

// Save writes places to path, zstd compressed when path ends in ".zst".
func Save(path string, places []*Place) error {
	data, err := Encode(places)
	if err != nil {
		return fmt.Errorf("failed to encode places: %w", err)
	}
	if strings.HasSuffix(path, ".zst") {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return fmt.Errorf("failed to create zstd writer: %w", err)
		}
		data = enc.EncodeAll(data, nil)
		enc.Close()
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Generate returns n places spread uniformly over b. West > East wraps across
// the antimeridian. IDs are drawn from r, so a seeded source is reproducible.
func Generate(n int, b quadtree.Bounds, r *rand.Rand) []*Place {
	width := b.East - b.West
	if width < 0 {
		width += 360
	}
	places := make([]*Place, n)
	for i := range places {
		lng := b.West + r.Float64()*width
		if lng > 180 {
			lng -= 360
		}
		lat := b.South + r.Float64()*(b.North-b.South)

		id, err := uuid.NewRandomFromReader(r)
		if err != nil {
			id = uuid.New()
		}
		places[i] = &Place{
			ID:   id.String(),
			Name: fmt.Sprintf("Place %d", i+1),
			Lat:  lat,
			Lng:  lng,
		}
	}
	return places
}
