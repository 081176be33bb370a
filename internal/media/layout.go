// Package media maps stream sessions and photos to paths under the media
// root and to the public URLs they are served from.
package media

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Layout resolves on-disk locations:
//
//	<root>/streams/<session>/frames/frame-<unixMillis>-<seq>.jpg
//	<root>/streams/<session>/video.mp4
//	<root>/photos/<device>/photo-<unixMillis>.jpg
type Layout struct {
	Root         string
	PublicPrefix string
}

// NewLayout creates a Layout rooted at root
func NewLayout(root, publicPrefix string) Layout {
	return Layout{Root: root, PublicPrefix: strings.TrimRight(publicPrefix, "/")}
}

func (l Layout) StreamDir(sessionID uuid.UUID) string {
	return filepath.Join(l.Root, "streams", sessionID.String())
}

func (l Layout) FramesDir(sessionID uuid.UUID) string {
	return filepath.Join(l.StreamDir(sessionID), "frames")
}

// FramePath names a frame so that lexical order is arrival order
func (l Layout) FramePath(sessionID uuid.UUID, receivedAt time.Time, seq int64) string {
	name := fmt.Sprintf("frame-%013d-%06d.jpg", receivedAt.UnixMilli(), seq)
	return filepath.Join(l.FramesDir(sessionID), name)
}

func (l Layout) VideoPath(sessionID uuid.UUID) string {
	return filepath.Join(l.StreamDir(sessionID), "video.mp4")
}

func (l Layout) PhotoPath(deviceID string, takenAt time.Time) string {
	name := fmt.Sprintf("photo-%013d.jpg", takenAt.UnixMilli())
	return filepath.Join(l.Root, "photos", SafeName(deviceID), name)
}

// URL returns the public URL of a file under the root, or "" if p is
// outside it.
func (l Layout) URL(p string) string {
	rel, err := filepath.Rel(l.Root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return path.Join(l.PublicPrefix, filepath.ToSlash(rel))
}

// ListFrames returns the frame files of a session in arrival order. A
// missing directory yields no frames and no error.
func (l Layout) ListFrames(sessionID uuid.UUID) ([]string, error) {
	dir := l.FramesDir(sessionID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var frames []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jpg") {
			continue
		}
		frames = append(frames, filepath.Join(dir, e.Name()))
	}
	sort.Strings(frames)
	return frames, nil
}

// SafeName replaces characters that are unsafe in a single path element
func SafeName(s string) string {
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
