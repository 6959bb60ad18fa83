// Package graph stores typed, weighted edges between decisions.
//
// The graph is a derived store: the decision store remains authoritative and
// a reindex can reconstruct linkage from related_to snapshots. Durability
// comes from an append-only JSONL journal replayed at startup.
package graph

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tfatykhov/cstp/internal/model"
)

// Store is the graph persistence interface.
type Store interface {
	// AddEdge inserts an edge. Inserting an existing (from, to, type) triple
	// updates its weight. relates_to pairs are stored once regardless of
	// direction.
	AddEdge(ctx context.Context, e model.GraphEdge) error

	// Neighbors returns the direct neighbors of id, optionally restricted to
	// edge types. relates_to edges are traversed in both directions.
	Neighbors(ctx context.Context, id string, types []model.GraphEdgeType) ([]model.GraphEdge, error)

	// Subgraph returns all nodes and edges reachable from root within depth.
	Subgraph(ctx context.Context, root string, depth int, types []model.GraphEdgeType) ([]string, []model.GraphEdge, error)

	// RemoveEdge deletes edges between from and to; a zero type removes all
	// types.
	RemoveEdge(ctx context.Context, from, to string, edgeType model.GraphEdgeType) error

	// Close flushes and closes the journal.
	Close() error
}

type edgeKey struct {
	from, to string
	typ      model.GraphEdgeType
}

// journalEntry is one line of the append-only journal.
type journalEntry struct {
	Op   string          `json:"op"` // add | remove
	Edge model.GraphEdge `json:"edge"`
}

// MemoryGraph is an in-memory adjacency map with an optional JSONL journal.
// With an empty journal path it is purely ephemeral (tests).
type MemoryGraph struct {
	mu      sync.RWMutex
	edges   map[edgeKey]model.GraphEdge
	byNode  map[string][]edgeKey
	journal *os.File
	w       *bufio.Writer
}

// Open creates a graph store. If journalPath is non-empty, existing entries
// are replayed and subsequent mutations are appended before they are
// acknowledged.
func Open(journalPath string) (*MemoryGraph, error) {
	g := &MemoryGraph{
		edges:  make(map[edgeKey]model.GraphEdge),
		byNode: make(map[string][]edgeKey),
	}
	if journalPath == "" {
		return g, nil
	}

	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("graph: open journal %q: %w", journalPath, err)
	}
	if err := g.replay(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("graph: seek journal: %w", err)
	}
	g.journal = f
	g.w = bufio.NewWriter(f)
	return g, nil
}

func (g *MemoryGraph) replay(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var entry journalEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			// A torn final line from a crash is expected; anything else is
			// corruption worth surfacing.
			return fmt.Errorf("graph: journal line %d: %w", line, err)
		}
		switch entry.Op {
		case "add":
			g.insert(entry.Edge)
		case "remove":
			g.delete(entry.Edge.FromID, entry.Edge.ToID, entry.Edge.Type)
		}
	}
	return scanner.Err()
}

// canonical orders a relates_to pair so it is stored once.
func canonical(e model.GraphEdge) model.GraphEdge {
	if e.Type == model.EdgeRelatesTo && e.FromID > e.ToID {
		e.FromID, e.ToID = e.ToID, e.FromID
	}
	return e
}

func (g *MemoryGraph) insert(e model.GraphEdge) {
	e = canonical(e)
	k := edgeKey{e.FromID, e.ToID, e.Type}
	if _, exists := g.edges[k]; !exists {
		g.byNode[e.FromID] = append(g.byNode[e.FromID], k)
		g.byNode[e.ToID] = append(g.byNode[e.ToID], k)
	}
	g.edges[k] = e
}

func (g *MemoryGraph) delete(from, to string, typ model.GraphEdgeType) {
	types := []model.GraphEdgeType{typ}
	if typ == "" {
		types = []model.GraphEdgeType{model.EdgeRelatesTo, model.EdgeSupersedes, model.EdgeDependsOn, model.EdgeContradicts, model.EdgeBlocks}
	}
	for _, t := range types {
		e := canonical(model.GraphEdge{FromID: from, ToID: to, Type: t})
		k := edgeKey{e.FromID, e.ToID, t}
		if _, ok := g.edges[k]; !ok {
			continue
		}
		delete(g.edges, k)
		g.byNode[k.from] = removeKey(g.byNode[k.from], k)
		g.byNode[k.to] = removeKey(g.byNode[k.to], k)
	}
}

func removeKey(keys []edgeKey, k edgeKey) []edgeKey {
	out := keys[:0]
	for _, v := range keys {
		if v != k {
			out = append(out, v)
		}
	}
	return out
}

// AddEdge inserts an edge, journaling before acknowledging.
func (g *MemoryGraph) AddEdge(_ context.Context, e model.GraphEdge) error {
	if !model.ValidEdgeType(e.Type) {
		return fmt.Errorf("graph: invalid edge type %q", e.Type)
	}
	if e.Weight < 0 || e.Weight > 1 {
		return fmt.Errorf("graph: weight %v out of range [0,1]", e.Weight)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.append(journalEntry{Op: "add", Edge: canonical(e)}); err != nil {
		return err
	}
	g.insert(e)
	return nil
}

func (g *MemoryGraph) append(entry journalEntry) error {
	if g.w == nil {
		return nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("graph: marshal journal entry: %w", err)
	}
	if _, err := g.w.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("graph: append journal: %w", err)
	}
	if err := g.w.Flush(); err != nil {
		return fmt.Errorf("graph: flush journal: %w", err)
	}
	return nil
}

func typeAllowed(types []model.GraphEdgeType, t model.GraphEdgeType) bool {
	if len(types) == 0 {
		return true
	}
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}

// Neighbors returns direct edges touching id.
func (g *MemoryGraph) Neighbors(_ context.Context, id string, types []model.GraphEdgeType) ([]model.GraphEdge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []model.GraphEdge
	for _, k := range g.byNode[id] {
		e, ok := g.edges[k]
		if !ok || !typeAllowed(types, e.Type) {
			continue
		}
		// Keep both directions visible; callers get the raw edge and decide
		// direction from FromID/ToID.
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FromID != out[j].FromID {
			return out[i].FromID < out[j].FromID
		}
		if out[i].ToID != out[j].ToID {
			return out[i].ToID < out[j].ToID
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// MaxDepth caps subgraph traversal.
const MaxDepth = 3

// Subgraph walks breadth-first from root within depth.
func (g *MemoryGraph) Subgraph(_ context.Context, root string, depth int, types []model.GraphEdgeType) ([]string, []model.GraphEdge, error) {
	if depth <= 0 {
		depth = 1
	}
	if depth > MaxDepth {
		depth = MaxDepth
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := map[string]bool{root: true}
	edgeSeen := map[edgeKey]bool{}
	var nodes []string
	var edges []model.GraphEdge
	nodes = append(nodes, root)

	frontier := []string{root}
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			for _, k := range g.byNode[id] {
				e, ok := g.edges[k]
				if !ok || !typeAllowed(types, e.Type) || edgeSeen[k] {
					continue
				}
				edgeSeen[k] = true
				edges = append(edges, e)
				for _, peer := range []string{e.FromID, e.ToID} {
					if !visited[peer] {
						visited[peer] = true
						nodes = append(nodes, peer)
						next = append(next, peer)
					}
				}
			}
		}
		frontier = next
	}

	sort.Strings(nodes[1:]) // keep root first
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].FromID != edges[j].FromID {
			return edges[i].FromID < edges[j].FromID
		}
		return edges[i].ToID < edges[j].ToID
	})
	return nodes, edges, nil
}

// RemoveEdge deletes edges between from and to, journaling first.
func (g *MemoryGraph) RemoveEdge(_ context.Context, from, to string, edgeType model.GraphEdgeType) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry := journalEntry{Op: "remove", Edge: model.GraphEdge{FromID: from, ToID: to, Type: edgeType}}
	if err := g.append(entry); err != nil {
		return err
	}
	g.delete(from, to, edgeType)
	return nil
}

// EdgeCount returns the number of stored edges.
func (g *MemoryGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// Close flushes and closes the journal file.
func (g *MemoryGraph) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.w != nil {
		if err := g.w.Flush(); err != nil {
			return err
		}
	}
	if g.journal != nil {
		return g.journal.Close()
	}
	return nil
}
