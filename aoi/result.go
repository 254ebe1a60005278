package aoi

import "math"

// FrameResult is everything ProcessFrame found in one frame. It is built
// fresh for every frame and never reused.
type FrameResult struct {
	Markers []Marker
	// LocatedAOIs has an entry for every configured surface; nil means the
	// surface was not visible.
	LocatedAOIs map[SurfaceID]*SurfaceLocation
	// MappedGaze has an entry for every configured surface; unlocated
	// surfaces map to an empty slice.
	MappedGaze map[SurfaceID][]MappedGaze

	order []SurfaceID
	names map[SurfaceID]string
}

func newFrameResult(markers []Marker, numSurfaces int) *FrameResult {
	return &FrameResult{
		Markers:     markers,
		LocatedAOIs: make(map[SurfaceID]*SurfaceLocation, numSurfaces),
		MappedGaze:  make(map[SurfaceID][]MappedGaze, numSurfaces),
		order:       make([]SurfaceID, 0, numSurfaces),
		names:       make(map[SurfaceID]string, numSurfaces),
	}
}

func (r *FrameResult) add(s Surface, loc *SurfaceLocation) {
	r.order = append(r.order, s.UID)
	r.names[s.UID] = s.Name
	r.LocatedAOIs[s.UID] = loc
	r.MappedGaze[s.UID] = []MappedGaze{}
}

// SurfaceIDs returns the surface uids in configuration order.
func (r *FrameResult) SurfaceIDs() []SurfaceID {
	out := make([]SurfaceID, len(r.order))
	copy(out, r.order)
	return out
}

// SurfaceName returns the display name of a surface in this result.
func (r *FrameResult) SurfaceName(uid SurfaceID) string {
	return r.names[uid]
}

// AOISummary is the JSON view of one surface in a frame.
type AOISummary struct {
	UID                SurfaceID    `json:"uid"`
	Name               string       `json:"name"`
	Located            bool         `json:"located"`
	NumMarkersDetected int          `json:"numMarkersDetected"`
	Gaze               []MappedGaze `json:"gaze"`
	GazeOnAOI          bool         `json:"gazeOnAoi"`
}

// FrameSummary is the JSON view of a FrameResult.
type FrameSummary struct {
	Markers []MarkerID   `json:"markers"`
	AOIs    []AOISummary `json:"aois"`
}

// Summary flattens the result for reporting.
func (r *FrameResult) Summary() FrameSummary {
	summary := FrameSummary{
		Markers: make([]MarkerID, 0, len(r.Markers)),
		AOIs:    make([]AOISummary, 0, len(r.order)),
	}
	for _, m := range r.Markers {
		summary.Markers = append(summary.Markers, m.UID)
	}
	for _, uid := range r.order {
		aoi := AOISummary{
			UID:  uid,
			Name: r.names[uid],
			Gaze: make([]MappedGaze, 0, len(r.MappedGaze[uid])),
		}
		for _, g := range r.MappedGaze[uid] {
			// Gaze on the horizon line of the homography has no finite image.
			if math.IsInf(g.X, 0) || math.IsNaN(g.X) || math.IsInf(g.Y, 0) || math.IsNaN(g.Y) {
				continue
			}
			aoi.Gaze = append(aoi.Gaze, g)
		}
		if loc := r.LocatedAOIs[uid]; loc != nil {
			aoi.Located = true
			aoi.NumMarkersDetected = loc.NumMarkersDetected
		}
		for _, g := range aoi.Gaze {
			if g.IsOnAOI {
				aoi.GazeOnAOI = true
				break
			}
		}
		summary.AOIs = append(summary.AOIs, aoi)
	}
	return summary
}
