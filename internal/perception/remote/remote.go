// Package remote consumes template and text recognition from an external
// recognizer service over HTTP. Frames are sent PNG-encoded; the encoding of
// the most recent frame is reused across lookups on the same frame.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/sylvester1001/zat/internal/config"
	"github.com/sylvester1001/zat/internal/network"
	"github.com/sylvester1001/zat/internal/perception"
)

var (
	_ perception.Matcher    = (*Client)(nil)
	_ perception.TextFinder = (*Client)(nil)
)

type matchRequest struct {
	Frame     []byte  `json:"frame"`
	Probe     string  `json:"probe"`
	Threshold float64 `json:"threshold"`
}

type textRequest struct {
	Frame  []byte `json:"frame"`
	Text   string `json:"text"`
	Region []int  `json:"region,omitempty"`
}

type matchResponse struct {
	Found      bool    `json:"found"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Confidence float64 `json:"confidence"`
}

// Client is a recognizer client. Lookups never fail: transport and decoding
// problems are logged and reported as misses.
type Client struct {
	base    string
	http    *network.Client
	timeout time.Duration
	log     *zap.Logger

	mu      sync.Mutex
	last    perception.Frame
	lastPNG []byte
}

// New creates a client for cfg.RecognizerURL.
func New(cfg config.PerceptionConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(cfg.RecognizerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid recognizer url %q", cfg.RecognizerURL)
	}
	timeout := cfg.RecognizerTimeout
	if timeout <= 0 {
		timeout = network.DefaultRequestTimeout
	}
	hc := network.NewDefaultClientConfig()
	hc.RequestTimeout = timeout
	hc.ForceHTTP2 = u.Scheme == "https"
	hc.Logger = logger
	return &Client{
		base:    strings.TrimRight(u.String(), "/"),
		http:    network.NewClient(hc),
		timeout: timeout,
		log:     logger.Named("recognizer"),
	}, nil
}

func (c *Client) MatchTemplate(frame perception.Frame, probe string, threshold float64) (perception.Match, bool) {
	if frame == nil {
		return perception.Match{}, false
	}
	data, err := c.encode(frame)
	if err != nil {
		c.log.Warn("Failed to encode frame", zap.Error(err))
		return perception.Match{}, false
	}
	res, err := c.post("/match", matchRequest{Frame: data, Probe: probe, Threshold: threshold})
	if err != nil {
		c.log.Warn("Template lookup failed", zap.String("probe", probe), zap.Error(err))
		return perception.Match{}, false
	}
	if !res.Found || res.Confidence < threshold {
		return perception.Match{}, false
	}
	return perception.Match{X: res.X, Y: res.Y, Confidence: res.Confidence}, true
}

func (c *Client) FindText(frame perception.Frame, text string, region *image.Rectangle) (perception.Match, bool) {
	if frame == nil {
		return perception.Match{}, false
	}
	data, err := c.encode(frame)
	if err != nil {
		c.log.Warn("Failed to encode frame", zap.Error(err))
		return perception.Match{}, false
	}
	req := textRequest{Frame: data, Text: text}
	if region != nil {
		req.Region = []int{region.Min.X, region.Min.Y, region.Max.X, region.Max.Y}
	}
	res, err := c.post("/text", req)
	if err != nil {
		c.log.Warn("Text lookup failed", zap.String("text", text), zap.Error(err))
		return perception.Match{}, false
	}
	if !res.Found {
		return perception.Match{}, false
	}
	return perception.Match{X: res.X, Y: res.Y, Confidence: res.Confidence}, true
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// encode returns the PNG encoding of frame, reusing the previous encoding
// when frame is the same value as last time.
func (c *Client) encode(frame perception.Frame) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cacheable := reflect.TypeOf(frame).Comparable()
	if cacheable && c.last != nil && reflect.TypeOf(c.last) == reflect.TypeOf(frame) && c.last == frame {
		return c.lastPNG, nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, frame); err != nil {
		return nil, err
	}
	if cacheable {
		c.last, c.lastPNG = frame, buf.Bytes()
	}
	return buf.Bytes(), nil
}

func (c *Client) post(path string, body any) (matchResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return matchResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return matchResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return matchResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return matchResponse{}, fmt.Errorf("recognizer returned %s", resp.Status)
	}
	var out matchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return matchResponse{}, fmt.Errorf("failed to decode recognizer response: %w", err)
	}
	return out, nil
}
