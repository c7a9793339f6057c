package memory

// LinkType classifies a directed link between two memory nodes.
type LinkType string

const (
	LinkTemporal    LinkType = "TEMPORAL"
	LinkCausal      LinkType = "CAUSAL"
	LinkAssociative LinkType = "ASSOCIATIVE"
	LinkEntity      LinkType = "ENTITY"
	LinkSpatial     LinkType = "SPATIAL"
)

// ValidLinkType reports whether t is one of the five known link types.
func ValidLinkType(t LinkType) bool {
	switch t {
	case LinkTemporal, LinkCausal, LinkAssociative, LinkEntity, LinkSpatial:
		return true
	}
	return false
}

// MemoryLink is a directed edge to another node. A node holds at most one
// link per (TargetID, Type) pair.
type MemoryLink struct {
	TargetID string         `json:"target_id"`
	Type     LinkType       `json:"type"`
	Weight   float64        `json:"weight"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MemoryNode is a single memory: content, an optional embedding (zero-length
// when no embedding provider was available), salience in [0,1], and the
// node's outgoing links. Timestamps are unix milliseconds.
type MemoryNode struct {
	ID           string       `json:"id"`
	Content      string       `json:"content"`
	Embedding    []float32    `json:"embedding"`
	Salience     float64      `json:"salience"`
	CreatedAt    int64        `json:"created_at"`
	LastAccessed int64        `json:"last_accessed"`
	Connections  []MemoryLink `json:"connections"`
}

// clone returns a deep copy so callers never observe mid-write state.
func (n *MemoryNode) clone() *MemoryNode {
	c := *n
	if n.Embedding != nil {
		c.Embedding = make([]float32, len(n.Embedding))
		copy(c.Embedding, n.Embedding)
	}
	c.Connections = make([]MemoryLink, len(n.Connections))
	for i, l := range n.Connections {
		c.Connections[i] = l.clone()
	}
	return &c
}

func (l MemoryLink) clone() MemoryLink {
	c := l
	if l.Metadata != nil {
		c.Metadata = make(map[string]any, len(l.Metadata))
		for k, v := range l.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
