// File: internal/perception/perception.go
// Package perception defines the contracts between the engine and the
// recognition and capture collaborators it consumes.
package perception

import (
	"context"
	"image"
)

// Frame is a decoded screen image.
type Frame = image.Image

// Match is a probe or text hit in frame coordinates.
type Match struct {
	X          int
	Y          int
	Confidence float64
}

// Point returns the match location.
func (m Match) Point() image.Point { return image.Pt(m.X, m.Y) }

// FrameSource yields the most recent frame without blocking. It returns nil
// when no frame has been produced yet.
type FrameSource interface {
	LatestFrame() Frame
}

// Matcher scores a named probe against a frame. ok is false when the best
// score is below threshold.
type Matcher interface {
	MatchTemplate(frame Frame, probe string, threshold float64) (m Match, ok bool)
}

// TextFinder locates a text string in a frame, optionally restricted to region.
type TextFinder interface {
	FindText(frame Frame, text string, region *image.Rectangle) (m Match, ok bool)
}

// Capturer grabs a single frame from the device.
type Capturer interface {
	Capture(ctx context.Context) (Frame, error)
}

// Center returns the midpoint of the frame bounds.
func Center(f Frame) image.Point {
	b := f.Bounds()
	return image.Pt(b.Min.X+b.Dx()/2, b.Min.Y+b.Dy()/2)
}
