package world

import (
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/katalvlaran/lvlath/core"
	"github.com/katalvlaran/lvlath/dijkstra"

	"fleet-dispatch/internal/models"
)

// Edge weights are stored as int64 centimeters so that sub-meter road
// segments survive the integer weight model.
const cmPerMeter = 100

const defaultMaxSampleTries = 80

var (
	// ErrNoRoutablePair is returned when sampling exhausts its tries
	// without finding two distinct nodes connected by a positive-length
	// path, even on the undirected fallback.
	ErrNoRoutablePair = errors.New("world: no routable (pickup, dropoff) pair found")

	// ErrUnknownNode is returned for node IDs absent from the graph.
	ErrUnknownNode = errors.New("world: unknown node")

	// ErrEmptyGraph is returned at construction when the graph has no nodes.
	ErrEmptyGraph = errors.New("world: graph has no nodes")
)

// Node is one road-graph intersection.
type Node struct {
	ID  string
	Lat float64
	Lon float64
}

// Edge is one directed road segment. LengthM <= 0 or non-finite is
// replaced with the haversine distance between the endpoints.
type Edge struct {
	From    string
	To      string
	LengthM float64
}

// RoadWorld provides routable geometry for task generation and
// execution replay. The graphs are built once and are safe for
// concurrent queries; the sampling RNG is guarded by a mutex.
type RoadWorld struct {
	directed   *core.Graph
	undirected *core.Graph
	coords     map[string]models.LatLon
	nodes      []string

	maxSampleTries int
	cache          DistanceCache

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a RoadWorld.
type Option func(*RoadWorld)

// WithMaxSampleTries overrides the per-phase sampling attempt budget.
func WithMaxSampleTries(n int) Option {
	return func(w *RoadWorld) {
		if n > 0 {
			w.maxSampleTries = n
		}
	}
}

// WithDistanceCache installs a cache consulted by DistM. Correctness
// does not depend on it; it only saves repeated shortest-path runs.
func WithDistanceCache(c DistanceCache) Option {
	return func(w *RoadWorld) { w.cache = c }
}

// Load reads a GraphML road graph (node attrs x=lon, y=lat, edge attr
// length in meters) and builds a RoadWorld seeded for sampling.
func Load(path string, seed int64, opts ...Option) (*RoadWorld, error) {
	nodes, edges, err := ParseGraphML(path)
	if err != nil {
		return nil, fmt.Errorf("world: load %s: %w", path, err)
	}
	w, err := New(nodes, edges, seed, opts...)
	if err != nil {
		return nil, err
	}
	log.Printf("[WORLD] Loaded road graph: path=%s nodes=%d edges=%d seed=%d", path, len(nodes), len(edges), seed)
	return w, nil
}

// New builds a RoadWorld from an explicit node and edge list. Node IDs
// that are integer-valued strings are normalized to their canonical
// decimal form. Two RoadWorlds built from the same input and seed
// produce identical sampling sequences.
func New(nodes []Node, edges []Edge, seed int64, opts ...Option) (*RoadWorld, error) {
	if len(nodes) == 0 {
		return nil, ErrEmptyGraph
	}

	w := &RoadWorld{
		directed: core.NewGraph(
			core.WithDirected(true),
			core.WithWeighted(),
			core.WithMultiEdges(),
			core.WithLoops(),
		),
		undirected: core.NewGraph(
			core.WithWeighted(),
			core.WithMultiEdges(),
			core.WithLoops(),
		),
		coords:         make(map[string]models.LatLon, len(nodes)),
		maxSampleTries: defaultMaxSampleTries,
		rng:            rand.New(rand.NewSource(seed)),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, n := range nodes {
		id := NormalizeNodeID(n.ID)
		if err := w.directed.AddVertex(id); err != nil {
			return nil, fmt.Errorf("world: add node %s: %w", id, err)
		}
		if err := w.undirected.AddVertex(id); err != nil {
			return nil, fmt.Errorf("world: add node %s: %w", id, err)
		}
		w.coords[id] = models.LatLon{Lat: n.Lat, Lon: n.Lon}
	}

	for _, e := range edges {
		from := NormalizeNodeID(e.From)
		to := NormalizeNodeID(e.To)
		if _, ok := w.coords[from]; !ok {
			return nil, fmt.Errorf("world: edge endpoint %s: %w", from, ErrUnknownNode)
		}
		if _, ok := w.coords[to]; !ok {
			return nil, fmt.Errorf("world: edge endpoint %s: %w", to, ErrUnknownNode)
		}

		length := e.LengthM
		if !(length > 0) || math.IsInf(length, 0) || math.IsNaN(length) {
			length = HaversineM(w.coords[from], w.coords[to])
		}
		weight := int64(math.Round(length * cmPerMeter))
		if weight <= 0 && length > 0 {
			weight = 1
		}

		if _, err := w.directed.AddEdge(from, to, weight); err != nil {
			return nil, fmt.Errorf("world: add edge %s->%s: %w", from, to, err)
		}
		if _, err := w.undirected.AddEdge(from, to, weight); err != nil {
			return nil, fmt.Errorf("world: add edge %s->%s: %w", from, to, err)
		}
	}

	w.nodes = make([]string, 0, len(w.coords))
	for id := range w.coords {
		w.nodes = append(w.nodes, id)
	}
	sort.Strings(w.nodes)

	return w, nil
}

// NodeCount returns the number of graph nodes.
func (w *RoadWorld) NodeCount() int { return len(w.nodes) }

// NodeLatLon maps a node ID to its latitude/longitude.
func (w *RoadWorld) NodeLatLon(id string) (models.LatLon, error) {
	p, ok := w.coords[NormalizeNodeID(id)]
	if !ok {
		return models.LatLon{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return p, nil
}

// NearestNode returns the graph node closest to (lat, lon) by planar
// proximity in lon/lat space.
func (w *RoadWorld) NearestNode(lat, lon float64) string {
	best := ""
	bestD2 := math.Inf(1)
	for _, id := range w.nodes {
		p := w.coords[id]
		dx := p.Lon - lon
		dy := p.Lat - lat
		d2 := dx*dx + dy*dy
		if d2 < bestD2 {
			bestD2 = d2
			best = id
		}
	}
	return best
}

// SampleTaskNodes draws two distinct nodes connected by a finite,
// positive-length path. Directed connectivity is tried first for up to
// maxSampleTries attempts, then undirected connectivity for as many
// again. Exhaustion returns ErrNoRoutablePair.
func (w *RoadWorld) SampleTaskNodes() (pickup, dropoff string, err error) {
	if len(w.nodes) < 2 {
		return "", "", ErrNoRoutablePair
	}

	for _, graph := range []*core.Graph{w.directed, w.undirected} {
		for try := 0; try < w.maxSampleTries; try++ {
			pu := w.pickNode()
			dv := w.pickNode()
			if pu == dv {
				continue
			}
			if d, _, ok := shortest(graph, pu, dv, false); ok && d > 0 {
				return pu, dv, nil
			}
		}
	}

	return "", "", ErrNoRoutablePair
}

func (w *RoadWorld) pickNode() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nodes[w.rng.Intn(len(w.nodes))]
}

// DistM returns the shortest-path length in meters from u to v using
// the directed graph, falling back to the undirected view, or +Inf
// when no path exists on either.
func (w *RoadWorld) DistM(u, v string) float64 {
	u = NormalizeNodeID(u)
	v = NormalizeNodeID(v)
	if _, ok := w.coords[u]; !ok {
		return math.Inf(1)
	}
	if _, ok := w.coords[v]; !ok {
		return math.Inf(1)
	}
	if u == v {
		return 0
	}

	if w.cache != nil {
		if meters, ok := w.cache.Get(u, v); ok {
			return meters
		}
	}

	cm, _, ok := shortest(w.directed, u, v, false)
	if !ok {
		cm, _, ok = shortest(w.undirected, u, v, false)
	}
	if !ok {
		return math.Inf(1)
	}

	meters := float64(cm) / cmPerMeter
	if w.cache != nil {
		w.cache.Put(u, v, meters)
	}
	return meters
}

// PathLatLon returns the lat/lon points of the shortest path u->v
// (directed first, then undirected). When no path exists it returns
// the two endpoints as a degenerate segment; the dispatcher filters
// that case out because DistM is non-finite there.
func (w *RoadWorld) PathLatLon(u, v string) []models.LatLon {
	u = NormalizeNodeID(u)
	v = NormalizeNodeID(v)

	_, path, ok := shortest(w.directed, u, v, true)
	if !ok || len(path) == 0 {
		_, path, ok = shortest(w.undirected, u, v, true)
	}
	if !ok || len(path) == 0 {
		out := make([]models.LatLon, 0, 2)
		if p, err := w.NodeLatLon(u); err == nil {
			out = append(out, p)
		}
		if p, err := w.NodeLatLon(v); err == nil {
			out = append(out, p)
		}
		return out
	}

	out := make([]models.LatLon, 0, len(path))
	for _, id := range path {
		out = append(out, w.coords[id])
	}
	return out
}

// shortest runs Dijkstra from u and reports the distance to v in
// centimeters, plus the node path when withPath is set.
func shortest(g *core.Graph, u, v string, withPath bool) (int64, []string, bool) {
	opts := []dijkstra.Option{dijkstra.Source(u)}
	if withPath {
		opts = append(opts, dijkstra.WithReturnPath())
	}
	dist, prev, err := dijkstra.Dijkstra(g, opts...)
	if err != nil {
		return 0, nil, false
	}
	d, ok := dist[v]
	if !ok || d == math.MaxInt64 {
		return 0, nil, false
	}
	if !withPath {
		return d, nil, true
	}

	path := []string{v}
	for cur := v; cur != u; {
		p := prev[cur]
		if p == "" {
			return d, nil, true
		}
		path = append(path, p)
		cur = p
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return d, path, true
}
