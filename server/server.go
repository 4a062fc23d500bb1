// Package server hosts the clustering engine for browser maps: a REST API for
// one-off cluster queries and item management, and a websocket endpoint where
// every connected map gets its own cluster manager.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"markercluster/cluster"
	"markercluster/dataset"
	"markercluster/manager"
	"markercluster/quadtree"
	"markercluster/render"
)

// Config holds the clustering settings applied to every manager.
type Config struct {
	BucketCapacity int
	MinClusterSize int
}

// Stats aggregates the managers of the server.
type Stats struct {
	Points         int           `json:"points"`
	Sessions       int           `json:"sessions"`
	Rebuilds       int           `json:"rebuilds"`
	Passes         int           `json:"passes"`
	Cancelled      int           `json:"cancelled"`
	Markers        int           `json:"markers"`
	AvgPassTime    time.Duration `json:"avgPassTime"`
	LastRebuild    time.Time     `json:"lastRebuild"`
	MinClusterSize int           `json:"minClusterSize"`
}

// Server owns the shared item set and the map sessions clustering it.
type Server struct {
	cfg Config

	// api serves REST queries; it renders nowhere.
	api *manager.Manager[*dataset.Place]

	mu       sync.RWMutex
	places   []*dataset.Place
	sessions map[string]*Session

	upgrader websocket.Upgrader
	engine   *gin.Engine
}

// worldMap is the fixed camera of the REST manager.
type worldMap struct{}

func (worldMap) Viewport() quadtree.Bounds { return quadtree.World }
func (worldMap) Zoom() float64             { return 0 }

// New creates a server with an empty item set.
func New(cfg Config) (*Server, error) {
	if cfg.MinClusterSize == 0 {
		cfg.MinClusterSize = cluster.DefaultMinClusterSize
	}
	api, err := manager.New[*dataset.Place](worldMap{}, &render.Discard{},
		manager.WithBucketCapacity(cfg.BucketCapacity),
		manager.WithMinClusterSize(cfg.MinClusterSize))
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		api:      api,
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}
	s.engine = s.routes()
	return s, nil
}

// Handler returns the HTTP handler serving the API and websocket endpoint.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.Default()

	// Enable CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	r.GET("/api/clusters", s.handleGetClusters)
	r.GET("/api/items", s.handleGetItems)
	r.POST("/api/items", s.handleSetItems)
	r.POST("/api/items/add", s.handleAddItem)
	r.DELETE("/api/items", s.handleClearItems)
	r.GET("/api/config", s.handleGetConfig)
	r.PUT("/api/config", s.handleSetConfig)
	r.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Stats())
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", func(c *gin.Context) {
		s.HandleWebSocket(c.Writer, c.Request)
	})
	return r
}

func getBoundsFromQuery(c *gin.Context) (quadtree.Bounds, float64, error) {
	north, err := strconv.ParseFloat(c.Query("north"), 64)
	if err != nil {
		return quadtree.Bounds{}, 0, fmt.Errorf("invalid north parameter")
	}

	south, err := strconv.ParseFloat(c.Query("south"), 64)
	if err != nil {
		return quadtree.Bounds{}, 0, fmt.Errorf("invalid south parameter")
	}

	east, err := strconv.ParseFloat(c.Query("east"), 64)
	if err != nil {
		return quadtree.Bounds{}, 0, fmt.Errorf("invalid east parameter")
	}

	west, err := strconv.ParseFloat(c.Query("west"), 64)
	if err != nil {
		return quadtree.Bounds{}, 0, fmt.Errorf("invalid west parameter")
	}

	zoom, err := strconv.ParseFloat(c.Query("zoom"), 64)
	if err != nil {
		return quadtree.Bounds{}, 0, fmt.Errorf("invalid zoom parameter")
	}

	b := quadtree.Bounds{North: north, West: west, South: south, East: east}
	if err := checkViewport(b, zoom); err != nil {
		return quadtree.Bounds{}, 0, err
	}
	return b, zoom, nil
}

// checkViewport rejects inverted viewports and ones too large to cluster at
// the requested zoom.
func checkViewport(b quadtree.Bounds, zoom float64) error {
	if b.North < b.South {
		return fmt.Errorf("north must not be below south")
	}
	if tiles := cluster.NewGrid(zoom).Tiles(b); tiles > cluster.MaxTiles {
		return fmt.Errorf("viewport covers %d tiles at zoom %v, limit is %d", tiles, zoom, cluster.MaxTiles)
	}
	return nil
}

func (s *Server) handleGetClusters(c *gin.Context) {
	bounds, zoom, err := getBoundsFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	clusters, err := s.api.Clusters(c.Request.Context(), bounds, zoom)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	fc := geojson.NewFeatureCollection()
	for _, cl := range clusters {
		fc.Append(clusterFeature(cl))
	}
	fc.ExtraMembers = geojson.Properties{"total": s.api.Count(bounds)}
	data, err := fc.MarshalJSON()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/geo+json", data)
}

// clusterFeature renders one cluster as a GeoJSON point. Singletons carry the
// place's id and name; larger clusters carry the bounding box of their members.
func clusterFeature(c *cluster.Cluster[*dataset.Place]) *geojson.Feature {
	f := geojson.NewFeature(c.Position())
	f.Properties["count"] = c.Size()
	f.Properties["bucket"] = render.CountBucket(c.Size())
	if c.Size() == 1 {
		p := c.Items[0]
		f.ID = p.ID
		f.Properties["name"] = p.Name
		if p.Description != "" {
			f.Properties["description"] = p.Description
		}
		return f
	}
	members := make(orb.MultiPoint, len(c.Items))
	for i, p := range c.Items {
		members[i] = p.Point()
	}
	f.BBox = geojson.NewBBox(members.Bound())
	return f
}

func (s *Server) handleGetItems(c *gin.Context) {
	s.mu.RLock()
	data, err := dataset.Encode(s.places)
	s.mu.RUnlock()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/geo+json", data)
}

func (s *Server) handleSetItems(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	places, err := dataset.Decode(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.SetItems(places); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"count": len(places)})
}

func (s *Server) handleAddItem(c *gin.Context) {
	var p dataset.Place
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.AddItem(&p); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleClearItems(c *gin.Context) {
	if err := s.ClearItems(); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type configRequest struct {
	MinClusterSize int `json:"minClusterSize"`
}

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, configRequest{MinClusterSize: s.api.MinClusterSize()})
}

func (s *Server) handleSetConfig(c *gin.Context) {
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if err := s.SetMinClusterSize(req.MinClusterSize); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, req)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrInvalidArgument), errors.Is(err, dataset.ErrInvalidPoint):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// SetItems replaces the item set on every manager.
func (s *Server) SetItems(places []*dataset.Place) error {
	for _, p := range places {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.api.SetItems(places); err != nil {
		return err
	}
	s.places = append([]*dataset.Place(nil), places...)
	for _, sess := range s.sessions {
		if err := sess.mgr.SetItems(s.places); err != nil {
			log.Printf("Error updating session %s: %v", sess.id, err)
		}
	}
	log.Printf("Item set replaced: %d places, %d sessions", len(places), len(s.sessions))
	return nil
}

// AddItem adds one place to every manager and reclusters the connected maps.
func (s *Server) AddItem(p *dataset.Place) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.places = append(s.places, p)
	if err := s.addTo(s.api, p); err != nil {
		s.places = s.places[:len(s.places)-1]
		return err
	}
	for _, sess := range s.sessions {
		if err := s.addTo(sess.mgr, p); err != nil {
			log.Printf("Error adding item to session %s: %v", sess.id, err)
		}
	}
	return nil
}

// addTo inserts p into mgr's index and reclusters. A manager still rebuilding
// from an earlier SetItems would swap that insert away, so it is handed the
// whole item set again instead. Rebuilds are only started under s.mu, so none
// can begin between the check and the insert.
func (s *Server) addTo(mgr *manager.Manager[*dataset.Place], p *dataset.Place) error {
	if mgr.State() == manager.RebuildingIndex {
		return mgr.SetItems(s.places)
	}
	if err := mgr.AddItem(p); err != nil {
		return err
	}
	return mgr.Cluster()
}

// ClearItems removes every place and every marker.
func (s *Server) ClearItems() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.api.ClearItems(); err != nil {
		return err
	}
	s.places = nil
	for _, sess := range s.sessions {
		if err := sess.mgr.ClearItems(); err != nil {
			log.Printf("Error clearing session %s: %v", sess.id, err)
		}
	}
	return nil
}

// SetMinClusterSize applies n to every manager and reclusters the connected
// maps.
func (s *Server) SetMinClusterSize(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.api.SetMinClusterSize(n); err != nil {
		return err
	}
	s.cfg.MinClusterSize = n
	for _, sess := range s.sessions {
		if err := sess.mgr.SetMinClusterSize(n); err != nil {
			return err
		}
		if err := sess.mgr.Cluster(); err != nil {
			log.Printf("Error clustering session %s: %v", sess.id, err)
		}
	}
	return nil
}

// Wait blocks until every manager is idle or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	if err := s.api.Wait(ctx); err != nil {
		return err
	}
	s.mu.RLock()
	managers := make([]*manager.Manager[*dataset.Place], 0, len(s.sessions))
	for _, sess := range s.sessions {
		managers = append(managers, sess.mgr)
	}
	s.mu.RUnlock()

	for _, mgr := range managers {
		if err := mgr.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stats sums the counters of all managers.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	api := s.api.Stats()
	stats := Stats{
		Points:         api.IndexedPoints,
		Sessions:       len(s.sessions),
		Rebuilds:       api.Rebuilds,
		Passes:         api.Passes,
		Cancelled:      api.Cancelled,
		LastRebuild:    api.LastRebuild,
		MinClusterSize: s.cfg.MinClusterSize,
	}
	var weighted time.Duration
	for _, sess := range s.sessions {
		st := sess.mgr.Stats()
		stats.Rebuilds += st.Rebuilds
		stats.Passes += st.Passes
		stats.Cancelled += st.Cancelled
		stats.Markers += st.MarkersOnMap
		weighted += st.AvgPassTime * time.Duration(st.Passes)
		if st.LastRebuild.After(stats.LastRebuild) {
			stats.LastRebuild = st.LastRebuild
		}
	}
	weighted += api.AvgPassTime * time.Duration(api.Passes)
	if stats.Passes > 0 {
		stats.AvgPassTime = weighted / time.Duration(stats.Passes)
	}
	return stats
}

// PrintStats prints the current clustering statistics
func (s *Server) PrintStats() {
	stats := s.Stats()

	fmt.Printf("\n--- Clustering Statistics ---\n")
	fmt.Printf("Points: %d indexed, %d map sessions, min cluster size %d\n",
		stats.Points, stats.Sessions, stats.MinClusterSize)
	fmt.Printf("Passes: %d total, %d cancelled tasks\n", stats.Passes, stats.Cancelled)
	fmt.Printf("Average Pass Time: %v\n", stats.AvgPassTime)
	if stats.LastRebuild.IsZero() {
		fmt.Printf("Index Rebuilds: %d\n", stats.Rebuilds)
	} else {
		fmt.Printf("Index Rebuilds: %d (last: %v ago)\n",
			stats.Rebuilds, time.Since(stats.LastRebuild).Round(time.Second))
	}
	fmt.Printf("Markers on maps: %d\n", stats.Markers)
	fmt.Printf("-----------------------------\n")
}

// Close disconnects every session and stops all managers.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.conn.Close()
	}
	s.api.Close()
}
