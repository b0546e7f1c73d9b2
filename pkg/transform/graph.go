// Package transform maintains the graph of coordinate frames used to place
// tracked images in the reconstruction reference frame.
//
// Every edge is a direct transform between two named frames. A query between
// any two frames composes the edges along the shortest path, inverting edges
// that are walked backwards. The graph is kept free of cycles so that every
// query has at most one answer.
package transform

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"freehand3d/internal/models"
	"freehand3d/pkg/config"
)

var (
	// ErrPathNotFound is returned when no chain of edges connects two frames.
	ErrPathNotFound = errors.New("transform path not found")

	// ErrAmbiguousPath is returned when an edit would close a cycle or a
	// search exceeds the hop bound.
	ErrAmbiguousPath = errors.New("ambiguous transform path")

	// ErrInvalidArgument is returned for malformed transform names.
	ErrInvalidArgument = errors.New("invalid transform argument")

	// ErrInvalidFrame is returned when a tracked frame carries no transforms.
	ErrInvalidFrame = errors.New("tracked frame has no transforms")

	// ErrIndirectTransform is returned by the attribute accessors when the
	// two frames are only connected through intermediate frames.
	ErrIndirectTransform = errors.New("transform attributes are only defined for direct transforms")
)

// maxHops bounds every path search.
const maxHops = 64

// Edge is one direct transform stored in the graph.
type Edge struct {
	Matrix     models.Matrix
	Valid      bool
	Persistent bool
	Error      float64
	Timestamp  float64
}

type edgeKey struct {
	from, to string
}

func keyOf(n models.TransformName) edgeKey {
	return edgeKey{from: strings.ToLower(n.From), to: strings.ToLower(n.To)}
}

type storedEdge struct {
	name models.TransformName
	Edge
}

// Graph is a thread-safe transform repository.
type Graph struct {
	mu     sync.RWMutex
	edges  map[edgeKey]*storedEdge
	order  []edgeKey
	logger *slog.Logger
}

// NewGraph creates an empty graph. A nil logger discards log output.
func NewGraph(logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Graph{
		edges:  make(map[edgeKey]*storedEdge),
		logger: logger,
	}
}

// DeepCopy returns an independent copy. Later edits to either graph are not
// visible in the other.
func (g *Graph) DeepCopy() *Graph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c := &Graph{
		edges:  make(map[edgeKey]*storedEdge, len(g.edges)),
		order:  append([]edgeKey(nil), g.order...),
		logger: g.logger,
	}
	for k, e := range g.edges {
		copied := *e
		c.edges[k] = &copied
	}
	return c
}

// ReadConfiguration loads persistent coordinate definitions.
func (g *Graph) ReadConfiguration(defs []config.Transform) error {
	for _, def := range defs {
		name, err := models.ParseTransformName(def.Name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		m, err := models.MatrixFromSlice(def.Matrix)
		if err != nil {
			return fmt.Errorf("%w: transform %s: %v", ErrInvalidArgument, def.Name, err)
		}
		if err := g.SetTransform(name, m, true); err != nil {
			return err
		}
		if err := g.setAttributes(name, func(e *Edge) {
			e.Persistent = true
			e.Error = def.Error
			e.Timestamp = def.Date
		}); err != nil {
			return err
		}
	}
	return nil
}

// SetTransform inserts or updates the direct transform name. Updating an
// edge stored in the opposite direction stores the inverse matrix. Adding a
// new edge between two already connected frames fails with ErrAmbiguousPath.
func (g *Graph) SetTransform(name models.TransformName, m models.Matrix, valid bool) error {
	return g.setTransform(name, m, valid, nil)
}

func (g *Graph) setTransform(name models.TransformName, m models.Matrix, valid bool, timestamp *float64) error {
	if err := name.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.edges[keyOf(name)]; ok {
		e.Matrix, e.Valid = m, valid
		if timestamp != nil {
			e.Timestamp = *timestamp
		}
		return nil
	}
	if e, ok := g.edges[keyOf(name.Invert())]; ok {
		inv, err := m.Inverse()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidArgument, name, err)
		}
		e.Matrix, e.Valid = inv, valid
		if timestamp != nil {
			e.Timestamp = *timestamp
		}
		return nil
	}
	if strings.EqualFold(name.From, name.To) {
		return fmt.Errorf("%w: %s maps a frame to itself", ErrInvalidArgument, name)
	}

	if _, err := g.findPath(name); err == nil {
		return fmt.Errorf("%w: %s would close a cycle", ErrAmbiguousPath, name)
	} else if !errors.Is(err, ErrPathNotFound) {
		return err
	}

	k := keyOf(name)
	se := &storedEdge{name: name, Edge: Edge{Matrix: m, Valid: valid}}
	if timestamp != nil {
		se.Timestamp = *timestamp
	}
	g.edges[k] = se
	g.order = append(g.order, k)
	return nil
}

// SetTransforms updates the graph from every transform embedded in frame.
// A failing transform is logged and skipped; the rest are still applied and
// the failures are returned joined.
func (g *Graph) SetTransforms(frame *models.TrackedFrame) error {
	if frame == nil || len(frame.Transforms) == 0 {
		return ErrInvalidFrame
	}
	var errs []error
	ts := frame.Timestamp
	for _, name := range frame.TransformNames() {
		t := frame.Transforms[name]
		if err := g.setTransform(name, t.Matrix, t.Valid, &ts); err != nil {
			g.logger.Error("failed to update transform from frame",
				"transform", name.String(), "frame", frame.FrameNumber, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetTransformPersistent marks a direct transform as persistent.
func (g *Graph) SetTransformPersistent(name models.TransformName, persistent bool) error {
	return g.setAttributes(name, func(e *Edge) { e.Persistent = persistent })
}

// SetTransformError records the estimated error of a direct transform.
func (g *Graph) SetTransformError(name models.TransformName, value float64) error {
	return g.setAttributes(name, func(e *Edge) { e.Error = value })
}

// SetTransformDate records when a direct transform was last measured.
func (g *Graph) SetTransformDate(name models.TransformName, timestamp float64) error {
	return g.setAttributes(name, func(e *Edge) { e.Timestamp = timestamp })
}

func (g *Graph) setAttributes(name models.TransformName, apply func(*Edge)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, err := g.directEdge(name)
	if err != nil {
		return err
	}
	apply(&e.Edge)
	return nil
}

// GetTransform composes the transform from name.From to name.To. The
// returned validity is false if any edge on the path is invalid.
func (g *Graph) GetTransform(name models.TransformName) (models.Matrix, bool, error) {
	if err := name.Validate(); err != nil {
		return models.Matrix{}, false, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	path, err := g.findPath(name)
	if err != nil {
		return models.Matrix{}, false, err
	}
	result := models.Identity()
	valid := true
	for _, step := range path {
		m := step.edge.Matrix
		if step.backward {
			inv, err := m.Inverse()
			if err != nil {
				return models.Matrix{}, false, fmt.Errorf("inverting %s: %w", step.edge.name, err)
			}
			m = inv
		}
		// Each step maps the current frame onward, so it is applied after
		// everything composed so far.
		result = m.Mul(result)
		valid = valid && step.edge.Valid
	}
	return result, valid, nil
}

// IsExistingTransform returns nil if name.From and name.To are connected,
// whatever the validity of the edges.
func (g *Graph) IsExistingTransform(name models.TransformName) error {
	if err := name.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := g.findPath(name)
	return err
}

// GetTransformPersistent reports whether a direct transform is persistent.
func (g *Graph) GetTransformPersistent(name models.TransformName) (bool, error) {
	e, err := g.attributes(name)
	return e.Persistent, err
}

// GetTransformDate returns the timestamp of the last update of a direct transform.
func (g *Graph) GetTransformDate(name models.TransformName) (float64, error) {
	e, err := g.attributes(name)
	return e.Timestamp, err
}

// GetTransformError returns the error estimate of a direct transform.
func (g *Graph) GetTransformError(name models.TransformName) (float64, error) {
	e, err := g.attributes(name)
	return e.Error, err
}

func (g *Graph) attributes(name models.TransformName) (Edge, error) {
	if err := name.Validate(); err != nil {
		return Edge{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, err := g.directEdge(name)
	if err != nil {
		return Edge{}, err
	}
	return e.Edge, nil
}

// directEdge must be called with g.mu held.
func (g *Graph) directEdge(name models.TransformName) (*storedEdge, error) {
	if e, ok := g.edges[keyOf(name)]; ok {
		return e, nil
	}
	if e, ok := g.edges[keyOf(name.Invert())]; ok {
		return e, nil
	}
	if _, err := g.findPath(name); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrIndirectTransform, name)
}

// Names returns the direct transforms in insertion order.
func (g *Graph) Names() []models.TransformName {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]models.TransformName, 0, len(g.order))
	for _, k := range g.order {
		names = append(names, g.edges[k].name)
	}
	return names
}

type step struct {
	edge     *storedEdge
	backward bool
}

// findPath runs a breadth-first search from name.From to name.To. Neighbours
// are visited in edge insertion order, so ties resolve to the first found
// path. Must be called with g.mu held.
func (g *Graph) findPath(name models.TransformName) ([]step, error) {
	from, to := strings.ToLower(name.From), strings.ToLower(name.To)
	if from == to {
		return nil, nil
	}

	type visit struct {
		prev string
		via  step
		hops int
	}
	visited := map[string]visit{from: {}}
	queue := []string{from}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		hops := visited[cur].hops
		if hops >= maxHops {
			return nil, fmt.Errorf("%w: %s exceeds %d hops", ErrAmbiguousPath, name, maxHops)
		}
		for _, k := range g.order {
			var next string
			var s step
			switch {
			case k.from == cur:
				next, s = k.to, step{edge: g.edges[k]}
			case k.to == cur:
				next, s = k.from, step{edge: g.edges[k], backward: true}
			default:
				continue
			}
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = visit{prev: cur, via: s, hops: hops + 1}
			if next == to {
				path := make([]step, hops+1)
				for n := to; n != from; n = visited[n].prev {
					v := visited[n]
					path[v.hops-1] = v.via
				}
				return path, nil
			}
			queue = append(queue, next)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPathNotFound, name)
}
