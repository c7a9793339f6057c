package memory

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amphibian-ai/amphibian/types"
)

// Graph is the associative memory graph: an id-indexed set of nodes whose
// links carry target ids only, never direct references. One logical writer
// owns the graph; concurrent readers see snapshot-consistent copies.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*MemoryNode
	// order preserves insertion order so serialization is canonical.
	order  []string
	clock  types.Clock
	logger *zap.Logger
}

// NewGraph creates an empty graph. A nil clock defaults to the system
// clock, a nil logger to a no-op logger.
func NewGraph(clock types.Clock, logger *zap.Logger) *Graph {
	if clock == nil {
		clock = types.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		nodes:  make(map[string]*MemoryNode),
		clock:  clock,
		logger: logger.With(zap.String("component", "memory_graph")),
	}
}

// AddOptions carries the optional fields of AddMemory.
type AddOptions struct {
	// ID overrides the generated UUID when non-empty.
	ID string
	// Salience overrides the default of 0.5. Clamped to [0,1].
	Salience *float64
}

// AddMemory creates a node and returns a copy of it. A fresh UUID is
// assigned when no id is supplied; salience is clamped to [0,1].
func (g *Graph) AddMemory(content string, embedding []float32, opts AddOptions) *MemoryNode {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	salience := 0.5
	if opts.Salience != nil {
		salience = clampUnit(*opts.Salience)
	}

	now := types.Millis(g.clock.Now())
	node := &MemoryNode{
		ID:           id,
		Content:      content,
		Embedding:    embedding,
		Salience:     salience,
		CreatedAt:    now,
		LastAccessed: now,
		Connections:  []MemoryLink{},
	}
	if _, exists := g.nodes[id]; !exists {
		g.order = append(g.order, id)
	}
	g.nodes[id] = node

	g.logger.Debug("memory added", zap.String("id", id), zap.Int("embedding_dim", len(embedding)))
	return node.clone()
}

// GetMemory returns a copy of the node, touching its last-access timestamp,
// or nil when the id is unknown.
func (g *Graph) GetMemory(id string) *MemoryNode {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return nil
	}
	node.LastAccessed = types.Millis(g.clock.Now())
	return node.clone()
}

// UpdateOptions carries the partial-update fields of UpdateMemory. Nil
// fields are left unchanged.
type UpdateOptions struct {
	Content   *string
	Embedding []float32
	Salience  *float64
}

// UpdateMemory applies a partial update and touches the node's timestamp.
// Returns false when the id is unknown.
func (g *Graph) UpdateMemory(id string, opts UpdateOptions) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return false
	}
	if opts.Content != nil {
		node.Content = *opts.Content
	}
	if opts.Embedding != nil {
		node.Embedding = opts.Embedding
	}
	if opts.Salience != nil {
		node.Salience = clampUnit(*opts.Salience)
	}
	node.LastAccessed = types.Millis(g.clock.Now())
	return true
}

// DeleteMemory removes the node and every inbound link pointing at it.
// Returns whether the node existed.
func (g *Graph) DeleteMemory(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; !ok {
		return false
	}
	delete(g.nodes, id)
	for i, oid := range g.order {
		if oid == id {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	for _, node := range g.nodes {
		kept := node.Connections[:0]
		for _, link := range node.Connections {
			if link.TargetID != id {
				kept = append(kept, link)
			}
		}
		node.Connections = kept
	}

	g.logger.Debug("memory deleted", zap.String("id", id))
	return true
}

// LinkMemories upserts the (target, type) edge on the source node. An
// existing edge has its weight overwritten and its metadata shallow-merged.
// Self-links are permitted; weight is clamped to [0,1]. Fails with
// INPUT_INVALID when either endpoint is absent.
func (g *Graph) LinkMemories(sourceID, targetID string, linkType LinkType, weight float64, metadata map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	source, ok := g.nodes[sourceID]
	if !ok {
		return types.Errorf(types.ErrInputInvalid, "link source %q not found", sourceID)
	}
	if _, ok := g.nodes[targetID]; !ok {
		return types.Errorf(types.ErrInputInvalid, "link target %q not found", targetID)
	}

	weight = clampUnit(weight)
	for i := range source.Connections {
		link := &source.Connections[i]
		if link.TargetID == targetID && link.Type == linkType {
			link.Weight = weight
			if len(metadata) > 0 {
				if link.Metadata == nil {
					link.Metadata = make(map[string]any, len(metadata))
				}
				for k, v := range metadata {
					link.Metadata[k] = v
				}
			}
			return nil
		}
	}

	source.Connections = append(source.Connections, MemoryLink{
		TargetID: targetID,
		Type:     linkType,
		Weight:   weight,
		Metadata: metadata,
	})
	return nil
}

// Traverse walks the graph breadth-first from startID, excluding the start
// node itself. When linkTypes is non-empty only edges of those types are
// followed, at every hop. maxDepth counts edges traversed; a visited set
// prevents revisits and the result follows discovery order. Unknown start
// ids yield an empty slice.
func (g *Graph) Traverse(startID string, linkTypes []LinkType, maxDepth int) []*MemoryNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[startID]; !ok || maxDepth < 1 {
		return []*MemoryNode{}
	}

	allowed := make(map[LinkType]bool, len(linkTypes))
	for _, t := range linkTypes {
		allowed[t] = true
	}
	follow := func(t LinkType) bool {
		return len(allowed) == 0 || allowed[t]
	}

	visited := map[string]bool{startID: true}
	results := []*MemoryNode{}
	frontier := []string{startID}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			node := g.nodes[id]
			for _, link := range node.Connections {
				if !follow(link.Type) || visited[link.TargetID] {
					continue
				}
				target, ok := g.nodes[link.TargetID]
				if !ok {
					continue
				}
				visited[link.TargetID] = true
				results = append(results, target.clone())
				next = append(next, link.TargetID)
			}
		}
		frontier = next
	}
	return results
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// IDs returns all node ids in insertion order.
func (g *Graph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// HasLink reports whether source carries an outgoing edge (target, type),
// returning its weight when present.
func (g *Graph) HasLink(sourceID, targetID string, linkType LinkType) (float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	source, ok := g.nodes[sourceID]
	if !ok {
		return 0, false
	}
	for _, link := range source.Connections {
		if link.TargetID == targetID && link.Type == linkType {
			return link.Weight, true
		}
	}
	return 0, false
}
