// File: internal/observer/observer.go
// Package observer classifies the latest screen frame as one of the states of
// the scene graph.
package observer

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sylvester1001/zat/internal/perception"
	"github.com/sylvester1001/zat/internal/scene"
)

// Observer is a best-effort state classifier. It never fails: anything it
// cannot place is reported as scene.Unknown.
type Observer struct {
	graph     *scene.Graph
	frames    perception.FrameSource
	matcher   perception.Matcher
	texts     perception.TextFinder
	threshold float64
	log       *zap.Logger

	mu        sync.RWMutex
	lastFrame perception.Frame
	lastState string
}

// New creates an observer. texts may be nil to disable text cue matching.
func New(g *scene.Graph, frames perception.FrameSource, matcher perception.Matcher, texts perception.TextFinder, threshold float64, logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{
		graph:     g,
		frames:    frames,
		matcher:   matcher,
		texts:     texts,
		threshold: threshold,
		log:       logger.Named("observer"),
		lastState: scene.Unknown,
	}
}

// Observe returns the id of the state shown in the latest frame. Fingerprints
// are scored in registration order and the strictly highest score wins, so
// ties keep the node registered first. Text cues are consulted only when no
// fingerprint clears the threshold.
func (o *Observer) Observe(ctx context.Context) string {
	frame := o.frames.LatestFrame()
	o.mu.Lock()
	o.lastFrame = frame
	o.mu.Unlock()

	state := o.classify(frame)

	o.mu.Lock()
	changed := state != o.lastState
	o.lastState = state
	o.mu.Unlock()
	if changed {
		o.log.Debug("State changed", zap.String("state", state))
	}
	return state
}

func (o *Observer) classify(frame perception.Frame) string {
	if frame == nil {
		return scene.Unknown
	}

	best := scene.Unknown
	bestScore := 0.0
	nodes := o.graph.Nodes()
	for _, n := range nodes {
		if n.Fingerprint == "" {
			continue
		}
		m, ok := o.matcher.MatchTemplate(frame, n.Fingerprint, o.threshold)
		if !ok || m.Confidence < o.threshold {
			continue
		}
		if m.Confidence > bestScore {
			best, bestScore = n.ID, m.Confidence
		}
	}
	if best != scene.Unknown || o.texts == nil {
		return best
	}

	for _, n := range nodes {
		for _, cue := range n.TextCues {
			if m, ok := o.texts.FindText(frame, cue, nil); ok && m.Confidence >= o.threshold {
				return n.ID
			}
		}
	}
	return scene.Unknown
}

// LastFrame returns the frame examined by the most recent Observe call.
func (o *Observer) LastFrame() perception.Frame {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastFrame
}

// Current returns the state reported by the most recent Observe call.
func (o *Observer) Current() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastState
}
