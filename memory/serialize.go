package memory

import (
	"encoding/json"

	"github.com/amphibian-ai/amphibian/types"
)

// Serialize renders the graph as a canonical JSON array of nodes in
// insertion order, each node carrying its outgoing connections.
func (g *Graph) Serialize() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]*MemoryNode, 0, len(g.order))
	for _, id := range g.order {
		nodes = append(nodes, g.nodes[id])
	}
	data, err := json.MarshalIndent(nodes, "", "  ")
	if err != nil {
		return nil, types.NewError(types.ErrIntegrity, "serialize memory graph").WithCause(err)
	}
	return data, nil
}

// Deserialize replaces the graph's contents with the nodes in data.
// Round-trip holds: Deserialize(Serialize(g)) reproduces g node-for-node
// and link-for-link. Malformed input leaves the graph untouched and
// returns an INTEGRITY error.
func (g *Graph) Deserialize(data []byte) error {
	var nodes []*MemoryNode
	if err := json.Unmarshal(data, &nodes); err != nil {
		return types.NewError(types.ErrIntegrity, "parse memory graph").WithCause(err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = make(map[string]*MemoryNode, len(nodes))
	g.order = g.order[:0]
	for _, node := range nodes {
		if node == nil || node.ID == "" {
			continue
		}
		if node.Connections == nil {
			node.Connections = []MemoryLink{}
		}
		if _, exists := g.nodes[node.ID]; !exists {
			g.order = append(g.order, node.ID)
		}
		g.nodes[node.ID] = node
	}
	return nil
}
