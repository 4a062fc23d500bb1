package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"

	"markercluster/cluster"
	"markercluster/dataset"
	"markercluster/manager"
	"markercluster/metrics"
	"markercluster/quadtree"
	"markercluster/render"
)

// writeWait bounds a single websocket write.
const writeWait = 5 * time.Second

// Session is one connected map. It reports its camera to its manager and
// relays the manager's marker instructions back to the browser.
type Session struct {
	id   string
	conn *websocket.Conn
	mgr  *manager.Manager[*dataset.Place]

	// Camera, updated by viewport messages.
	mu       sync.Mutex
	viewport quadtree.Bounds
	zoom     float64

	// Mutex to prevent concurrent writes
	writeMu sync.Mutex
}

// clientMessage is a message from the browser.
type clientMessage struct {
	Type   string          `json:"type"`
	North  float64         `json:"north"`
	West   float64         `json:"west"`
	South  float64         `json:"south"`
	East   float64         `json:"east"`
	Zoom   float64         `json:"zoom"`
	Marker render.MarkerID `json:"marker"`
}

// instruction is a marker operation sent to the browser.
type instruction struct {
	Type    string          `json:"type"`
	Marker  render.MarkerID `json:"marker,omitempty"`
	Lat     float64         `json:"lat"`
	Lng     float64         `json:"lng"`
	Count   int             `json:"count,omitempty"`
	Bucket  int             `json:"bucket,omitempty"`
	Title   string          `json:"title,omitempty"`
	Snippet string          `json:"snippet,omitempty"`
	Alpha   float64         `json:"alpha"`
	ZIndex  int             `json:"zIndex"`
	Remove  bool            `json:"remove,omitempty"`

	// Set on zoom_to replies.
	BBox []float64 `json:"bbox,omitempty"`

	// Set on error replies.
	Error string `json:"error,omitempty"`
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Upgrade HTTP connection to WebSocket
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("WebSocket upgrade error:", err)
		return
	}

	sess := &Session{
		id:       uuid.NewString(),
		conn:     conn,
		viewport: quadtree.World,
	}

	s.mu.Lock()
	sess.mgr, err = manager.New[*dataset.Place](sess, sess,
		manager.WithBucketCapacity(s.cfg.BucketCapacity),
		manager.WithMinClusterSize(s.cfg.MinClusterSize))
	if err != nil {
		s.mu.Unlock()
		log.Printf("Error creating manager for session %s: %v", sess.id, err)
		conn.Close()
		return
	}
	sess.mgr.SetCallbacks(sess)
	s.sessions[sess.id] = sess
	if err := sess.mgr.SetItems(s.places); err != nil {
		log.Printf("Error seeding session %s: %v", sess.id, err)
	}
	s.mu.Unlock()
	metrics.SessionOpened()

	log.Printf("New map session connected: %s", sess.id)

	// Handle client disconnect
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		sess.mgr.Close()
		conn.Close()
		metrics.SessionClosed()
		log.Printf("Map session disconnected: %s", sess.id)
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Invalid message from session %s: %v", sess.id, err)
			continue
		}
		sess.handle(msg)
	}
}

func (sess *Session) handle(msg clientMessage) {
	switch msg.Type {
	case "viewport":
		viewport := quadtree.Bounds{North: msg.North, West: msg.West, South: msg.South, East: msg.East}
		if err := checkViewport(viewport, msg.Zoom); err != nil {
			log.Printf("Session %s sent a bad viewport, ignoring: %v", sess.id, err)
			sess.send(instruction{Type: "error", Error: err.Error()})
			return
		}
		sess.mu.Lock()
		sess.viewport = viewport
		sess.zoom = msg.Zoom
		sess.mu.Unlock()
		if err := sess.mgr.OnViewportIdle(); err != nil {
			log.Printf("Error clustering session %s: %v", sess.id, err)
		}
	case "click":
		if !sess.mgr.OnMarkerClick(msg.Marker) {
			log.Printf("Session %s clicked unknown marker %s", sess.id, msg.Marker)
		}
	default:
		log.Printf("Unknown message type %q from session %s", msg.Type, sess.id)
	}
}

// Viewport implements manager.Map.
func (sess *Session) Viewport() quadtree.Bounds {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.viewport
}

// Zoom implements manager.Map.
func (sess *Session) Zoom() float64 {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.zoom
}

func (sess *Session) send(msg instruction) {
	jsonMessage, err := json.Marshal(msg)
	if err != nil {
		log.Println("Error marshaling instruction:", err)
		return
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := sess.conn.WriteMessage(websocket.TextMessage, jsonMessage); err != nil {
		log.Printf("Error sending to session %s: %v", sess.id, err)
	}
}

// AddMarker implements render.Surface.
func (sess *Session) AddMarker(opts render.MarkerOptions) render.MarkerID {
	id := render.MarkerID(uuid.NewString())
	sess.send(instruction{
		Type:    "add",
		Marker:  id,
		Lat:     opts.Position.Lat(),
		Lng:     opts.Position.Lon(),
		Count:   opts.Count,
		Bucket:  render.CountBucket(opts.Count),
		Title:   opts.Title,
		Snippet: opts.Snippet,
		Alpha:   opts.Alpha,
		ZIndex:  opts.ZIndex,
	})
	return id
}

// AnimateMarker implements render.Surface.
func (sess *Session) AnimateMarker(id render.MarkerID, to orb.Point, removeAfter bool) {
	sess.send(instruction{Type: "animate", Marker: id, Lat: to.Lat(), Lng: to.Lon(), Remove: removeAfter})
}

// FadeIn implements render.Surface.
func (sess *Session) FadeIn(id render.MarkerID) {
	sess.send(instruction{Type: "fade_in", Marker: id, Alpha: 1})
}

// SetZIndex implements render.Surface.
func (sess *Session) SetZIndex(id render.MarkerID, z int) {
	sess.send(instruction{Type: "z_index", Marker: id, ZIndex: z})
}

// RemoveMarker implements render.Surface.
func (sess *Session) RemoveMarker(id render.MarkerID) {
	sess.send(instruction{Type: "remove", Marker: id})
}

// OnClusterClick asks the browser to zoom to the cluster's members.
func (sess *Session) OnClusterClick(c *cluster.Cluster[*dataset.Place]) bool {
	members := make(orb.MultiPoint, len(c.Items))
	for i, p := range c.Items {
		members[i] = p.Point()
	}
	b := members.Bound()
	sess.send(instruction{
		Type:  "zoom_to",
		Lat:   c.Latitude,
		Lng:   c.Longitude,
		Count: c.Size(),
		BBox:  []float64{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()},
	})
	return true
}

// OnClusterItemClick sends the place's details to the browser.
func (sess *Session) OnClusterItemClick(p *dataset.Place) bool {
	sess.send(instruction{
		Type:    "info",
		Lat:     p.Lat,
		Lng:     p.Lng,
		Count:   1,
		Title:   p.Name,
		Snippet: p.Description,
	})
	return true
}
