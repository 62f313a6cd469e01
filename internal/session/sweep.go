package session

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SweepDangling closes sessions a previous worker run left open: any
// session directory whose meta.json carries no end_time gets one stamped
// from its newest artifact, and all index segments are marked closed. Runs
// once at worker startup, before connections are accepted.
func SweepDangling(log *slog.Logger, outDir string) (int, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	swept := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(outDir, e.Name())
		meta, ok := readMeta(dir)
		if !ok || meta.EndTime != "" {
			continue
		}

		endTime := newestArtifactTime(dir)
		meta.EndTime = endTime.UTC().Format(time.RFC3339Nano)
		if err := writeJSONAtomic(filepath.Join(dir, metaFileName), meta); err != nil {
			log.Warn("sweeping dangling session", "session_id", e.Name(), "error", err)
			continue
		}
		closeIndexSegments(log, dir)
		log.Info("closed dangling session", "session_id", e.Name(), "end_time", meta.EndTime)
		swept++
	}
	return swept, nil
}

// SweepExpired removes session directories whose newest artifact is older
// than maxAge. Only directories that look like sessions (meta.json present)
// are ever touched.
func SweepExpired(log *slog.Logger, outDir string, maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(outDir, e.Name())
		if _, ok := readMeta(dir); !ok {
			continue
		}
		age := now.Sub(newestArtifactTime(dir))
		if age <= maxAge {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("removing expired session", "session_id", e.Name(), "error", err)
			continue
		}
		log.Info("removed expired session", "session_id", e.Name(), "age", age.Truncate(time.Second))
		removed++
	}
	return removed, nil
}

func readMeta(dir string) (Meta, bool) {
	var meta Meta
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return meta, false
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, false
	}
	return meta, true
}

// newestArtifactTime returns the most recent mtime across the session's
// segment files, falling back to meta.json.
func newestArtifactTime(dir string) time.Time {
	var newest time.Time
	if info, err := os.Stat(filepath.Join(dir, metaFileName)); err == nil {
		newest = info.ModTime()
	}
	segs, err := os.ReadDir(filepath.Join(dir, tracksDirName))
	if err != nil {
		return newest
	}
	for _, s := range segs {
		info, err := s.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}

func closeIndexSegments(log *slog.Logger, dir string) {
	path := filepath.Join(dir, indexFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return
	}
	changed := false
	for i := range idx.Segments {
		if !idx.Segments[i].Closed {
			idx.Segments[i].Closed = true
			changed = true
		}
	}
	if !changed {
		return
	}
	if err := writeJSONAtomic(path, idx); err != nil {
		log.Warn("closing index segments", "dir", dir, "error", err)
	}
}
