package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPath is returned by ParsePath for empty paths or empty segments.
	ErrInvalidPath = errors.New("invalid metric path")

	// ErrPathNotFound is returned by Path.Lookup when a segment is missing
	// or walks through a non-object value.
	ErrPathNotFound = errors.New("metric path not found")

	// ErrNotNumeric is returned by Path.Lookup when the leaf is not a number.
	ErrNotNumeric = errors.New("metric value is not numeric")
)

// MetricTree is a nested mapping from path segments to numeric leaves,
// e.g. {"cpu": {"usage": 42.5}}. Inner nodes are map[string]any.
type MetricTree map[string]any

// Set stores v at the dotted path, creating intermediate objects as needed.
// An intermediate leaf that is not an object is replaced.
func (t MetricTree) Set(path string, v float64) error {
	p, err := ParsePath(path)
	if err != nil {
		return err
	}
	var node map[string]any = t
	for _, seg := range p.segs[:len(p.segs)-1] {
		next, ok := asObject(node[seg])
		if !ok {
			next = make(map[string]any)
			node[seg] = next
		}
		node = next
	}
	node[p.segs[len(p.segs)-1]] = v
	return nil
}

// Snapshot is one timestamped set of metric readings from a single source.
// A snapshot is never mutated after it is handed to Send or OnSnapshot.
type Snapshot struct {
	SourceID      string     `json:"sourceId"`
	CollectedAtMs int64      `json:"collectedAtEpochMs"`
	Metrics       MetricTree `json:"metricTree"`
}

// Validate checks the structural requirements of a received snapshot.
func (s *Snapshot) Validate() error {
	if s.SourceID == "" {
		return errors.New("snapshot: sourceId is required")
	}
	if s.Metrics == nil {
		return fmt.Errorf("snapshot %q: metricTree is required", s.SourceID)
	}
	return nil
}

// Path is a parsed dotted metric path such as "cpu.usage". The zero Path is
// invalid; obtain one from ParsePath.
type Path struct {
	raw  string
	segs []string
}

// ParsePath splits s on dots and rejects empty segments.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Path{}, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segs := strings.Split(s, ".")
	for _, seg := range segs {
		if seg == "" {
			return Path{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, s)
		}
	}
	return Path{raw: s, segs: segs}, nil
}

// MustParsePath is like ParsePath but panics on error. Intended for tests and
// package-level tables.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string { return p.raw }

// IsZero reports whether p was never parsed.
func (p Path) IsZero() bool { return len(p.segs) == 0 }

// Lookup walks p through t and returns the numeric leaf.
func (p Path) Lookup(t MetricTree) (float64, error) {
	if p.IsZero() {
		return 0, ErrInvalidPath
	}
	var cur any = map[string]any(t)
	for _, seg := range p.segs {
		obj, ok := asObject(cur)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrPathNotFound, p.raw)
		}
		cur, ok = obj[seg]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrPathNotFound, p.raw)
		}
	}
	v, ok := asNumber(cur)
	if !ok {
		return 0, fmt.Errorf("%w: %s is %T", ErrNotNumeric, p.raw, cur)
	}
	return v, nil
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case MetricTree:
		return m, true
	}
	return nil, false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// knownPaths lists the paths produced by the bundled samplers and the legacy
// dashboard. Rules may reference other paths; they are only warned about.
var knownPaths = map[string]struct{}{
	"cpu.usage":            {},
	"cpu.cores":            {},
	"cpu.temperature":      {},
	"memory.used":          {},
	"memory.total":         {},
	"memory.percentage":    {},
	"disk.usage":           {},
	"network.rxRate":       {},
	"network.txRate":       {},
	"gpu.avgUsage":         {},
	"temperatures.max":     {},
	"app.heapUsed":         {},
	"app.heapTotal":        {},
	"app.heapPercentage":   {},
	"app.goroutines":       {},
	"app.gcPauseMs":        {},
	"api.avgResponseTime":  {},
	"api.p95":              {},
	"api.p99":              {},
	"api.errorRate":        {},
	"api.requestRate":      {},
	"processes.total":      {},
	"processes.running":    {},
}

// IsKnownPath reports whether p is one of the catalogued metric paths.
func IsKnownPath(p Path) bool {
	_, ok := knownPaths[p.raw]
	return ok
}
