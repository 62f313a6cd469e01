// Package track assigns stable identities to detections across consecutive
// frames of one recording session. Matching is greedy IoU with a same-class
// constraint; unmatched tracks coast for a bounded number of frames before
// they are dropped.
package track

import (
	"sort"
	"strconv"
)

const (
	// DefaultMatchThreshold is the minimum IoU for a detection to continue
	// an existing track.
	DefaultMatchThreshold = 0.3
	// DefaultMaxAge is how many consecutive unmatched frames a track
	// survives before it is dropped.
	DefaultMaxAge = 30
)

// Box is an axis-aligned box in pixel space as [x1, y1, x2, y2].
type Box [4]float32

// IoU returns the intersection-over-union of two boxes.
func IoU(a, b Box) float32 {
	ix1 := max32(a[0], b[0])
	iy1 := max32(a[1], b[1])
	ix2 := min32(a[2], b[2])
	iy2 := min32(a[3], b[3])
	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Observation is one detection offered to the tracker for association.
type Observation struct {
	Box   Box
	Class string
	Score float32
}

// Config tunes the association behavior.
type Config struct {
	MatchThreshold float32
	MaxAge         int
}

// DefaultConfig returns the tuning used by the worker pipeline.
func DefaultConfig() Config {
	return Config{MatchThreshold: DefaultMatchThreshold, MaxAge: DefaultMaxAge}
}

type trackState struct {
	id     uint64
	box    Box
	class  string
	misses int
}

// Tracker carries the per-session association state. Not safe for
// concurrent use; each session owns one tracker.
type Tracker struct {
	cfg    Config
	nextID uint64
	tracks []*trackState
}

// New returns a tracker with the given tuning; zero values fall back to the
// defaults.
func New(cfg Config) *Tracker {
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = DefaultMatchThreshold
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	return &Tracker{cfg: cfg}
}

// Reset drops all tracks. Called when a new recording session begins. The
// id sequence keeps counting so an identifier never names objects in two
// different sessions.
func (t *Tracker) Reset() {
	t.tracks = t.tracks[:0]
}

// Active returns the number of live tracks, coasting ones included.
func (t *Tracker) Active() int {
	return len(t.tracks)
}

type candidate struct {
	trackIdx int
	obsIdx   int
	iou      float32
}

// Update associates observations with live tracks and returns one track id
// per observation, aligned by index. Unmatched observations open new
// tracks; tracks unmatched for more than MaxAge consecutive frames are
// dropped.
func (t *Tracker) Update(obs []Observation) []string {
	ids := make([]string, len(obs))

	var cands []candidate
	for ti, tr := range t.tracks {
		for oi := range obs {
			if obs[oi].Class != tr.class {
				continue
			}
			if iou := IoU(tr.box, obs[oi].Box); iou >= t.cfg.MatchThreshold {
				cands = append(cands, candidate{trackIdx: ti, obsIdx: oi, iou: iou})
			}
		}
	}
	// Best overlaps claim their pair first; ties stay deterministic by
	// preferring older tracks.
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].iou != cands[j].iou {
			return cands[i].iou > cands[j].iou
		}
		return cands[i].trackIdx < cands[j].trackIdx
	})

	matchedTrack := make([]bool, len(t.tracks))
	matchedObs := make([]bool, len(obs))
	for _, c := range cands {
		if matchedTrack[c.trackIdx] || matchedObs[c.obsIdx] {
			continue
		}
		matchedTrack[c.trackIdx] = true
		matchedObs[c.obsIdx] = true
		tr := t.tracks[c.trackIdx]
		tr.box = obs[c.obsIdx].Box
		tr.misses = 0
		ids[c.obsIdx] = formatID(tr.id)
	}

	for oi := range obs {
		if matchedObs[oi] {
			continue
		}
		t.nextID++
		t.tracks = append(t.tracks, &trackState{
			id:    t.nextID,
			box:   obs[oi].Box,
			class: obs[oi].Class,
		})
		ids[oi] = formatID(t.nextID)
	}

	kept := t.tracks[:0]
	for ti, tr := range t.tracks {
		if ti < len(matchedTrack) && !matchedTrack[ti] {
			tr.misses++
			if tr.misses > t.cfg.MaxAge {
				continue
			}
		}
		kept = append(kept, tr)
	}
	t.tracks = kept

	return ids
}

func formatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
