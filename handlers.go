package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kwv/gazeaoi/aoi"
	"github.com/kwv/gazeaoi/internal/log"
)

const (
	// writeWait is how long to wait for a websocket write to complete
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// surfaceViewSize is the edge length of the /aoi/{uid}/gaze.svg view.
	surfaceViewSize = 500
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// surfaceInfo is the /surfaces view of one surface definition.
type surfaceInfo struct {
	UID         aoi.SurfaceID   `json:"uid"`
	Name        string          `json:"name"`
	Markers     []aoi.MarkerID  `json:"markers"`
	Orientation aoi.Orientation `json:"orientation"`
}

// gazeMessage is one websocket stream entry.
type gazeMessage struct {
	AOI   aoi.SurfaceID `json:"aoi"`
	Name  string        `json:"name"`
	X     float64       `json:"x"`
	Y     float64       `json:"y"`
	OnAOI bool          `json:"onAoi"`
}

// server holds what the HTTP side reads. It never touches the mapper.
type server struct {
	state    *aoi.StateTracker
	surfaces []aoi.Surface
	camera   *aoi.Camera
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(state *aoi.StateTracker, surfaces []aoi.Surface, cam *aoi.Camera) http.Handler {
	s := &server{state: state, surfaces: surfaces, camera: cam}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /surfaces", s.handleSurfaces)
	mux.HandleFunc("GET /result", s.handleResult)
	mux.HandleFunc("GET /overlay.svg", s.handleOverlay)
	mux.HandleFunc("GET /overlay.png", s.handleOverlay)
	mux.HandleFunc("GET /aoi/{uid}/gaze.svg", s.handleSurfaceGaze)
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error(log.Fields{"error": err}, "failed to encode response")
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
		Frames    uint64    `json:"frames"`
		Surfaces  int       `json:"surfaces"`
	}{
		Status:    "ok",
		Timestamp: time.Now(),
		Frames:    s.state.FrameCount(),
		Surfaces:  len(s.surfaces),
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *server) handleSurfaces(w http.ResponseWriter, r *http.Request) {
	infos := make([]surfaceInfo, 0, len(s.surfaces))
	for _, sf := range s.surfaces {
		infos = append(infos, surfaceInfo{
			UID:         sf.UID,
			Name:        sf.Name,
			Markers:     sf.MarkerIDs(),
			Orientation: sf.Orientation,
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *server) handleResult(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.state.Latest()
	if !ok {
		http.Error(w, "No frame processed yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Sequence  uint64    `json:"sequence"`
		Timestamp time.Time `json:"timestamp"`
		aoi.FrameSummary
	}{snap.Sequence, snap.Timestamp, snap.Summary})
}

func (s *server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.state.Latest()
	if !ok {
		http.Error(w, "No frame processed yet", http.StatusServiceUnavailable)
		return
	}

	renderer := aoi.NewOverlayRenderer(s.camera)
	w.Header().Set("Cache-Control", "no-cache")

	var err error
	if r.URL.Path == "/overlay.png" {
		w.Header().Set("Content-Type", "image/png")
		err = renderer.RenderPNG(w, snap.Bounds, snap.Result, snap.Gaze)
	} else {
		w.Header().Set("Content-Type", "image/svg+xml")
		err = renderer.RenderSVG(w, snap.Bounds, snap.Result, snap.Gaze)
	}
	if err != nil {
		log.Error(log.Fields{"error": err, "path": r.URL.Path}, "failed to render overlay")
	}
}

func (s *server) handleSurfaceGaze(w http.ResponseWriter, r *http.Request) {
	uid := aoi.SurfaceID(r.PathValue("uid"))
	snap, ok := s.state.Latest()
	if !ok {
		http.Error(w, "No frame processed yet", http.StatusServiceUnavailable)
		return
	}
	gaze, known := snap.Result.MappedGaze[uid]
	if !known {
		http.Error(w, "Unknown surface", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-cache")
	if err := aoi.RenderSurfaceGazeSVG(w, surfaceViewSize, surfaceViewSize, gaze); err != nil {
		log.Error(log.Fields{"error": err, "surface": uid}, "failed to render surface gaze")
	}
}

// gazeMessages flattens the mapped gaze of a snapshot in surface order.
func gazeMessages(snap aoi.FrameSnapshot) []gazeMessage {
	var msgs []gazeMessage
	for _, a := range snap.Summary.AOIs {
		for _, g := range a.Gaze {
			msgs = append(msgs, gazeMessage{AOI: a.UID, Name: a.Name, X: g.X, Y: g.Y, OnAOI: g.IsOnAOI})
		}
	}
	return msgs
}

// handleWebsocket streams every mapped gaze point of every new frame.
func (s *server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(log.Fields{"error": err}, "websocket upgrade failed")
		return
	}
	defer conn.Close()

	frames, cancel := s.state.Subscribe(16)
	defer cancel()

	log.Info(log.Fields{"remote": r.RemoteAddr}, "websocket client connected")

	// Reads only detect disconnects and keep pongs flowing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Warn(log.Fields{"error": err}, "websocket read failed")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			log.Info(log.Fields{"remote": r.RemoteAddr}, "websocket client disconnected")
			return
		case <-r.Context().Done():
			return
		case snap, ok := <-frames:
			if !ok {
				return
			}
			for _, msg := range gazeMessages(snap) {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
