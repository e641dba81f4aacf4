package docservice

import (
	"context"
	"fmt"
	"time"
)

// GraphNode is one document in a traversal result.
type GraphNode struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	ObservedAt time.Time `json:"observed_at"`
	Confidence float64   `json:"confidence"`
}

// GraphEdge is one typed link in a traversal result.
type GraphEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Rel    string `json:"rel"`
}

// Graph is a bounded neighbourhood of the link graph.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// Graph builds the neighbourhood of a center document by BFS over links in
// both directions, bounded by depth. Cycles terminate through the visited
// set.
func (s *Service) Graph(ctx context.Context, centerID string, depth int) (*Graph, error) {
	if depth < 1 {
		depth = 1
	}

	g := &Graph{}
	visited := map[string]bool{centerID: true}
	edgeSeen := map[string]bool{}
	frontier := []string{centerID}

	for hop := 0; hop <= depth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			node, err := s.graphNode(ctx, id)
			if err != nil {
				continue
			}
			g.Nodes = append(g.Nodes, *node)

			if hop == depth {
				continue
			}

			forward, err := s.store.ExecuteSQL(ctx, `
				SELECT l.source_id, COALESCE(t.id, l.target_id), l.rel
				FROM links l
				LEFT JOIN documents t ON t.id = l.target_id OR t.path = l.target_id
				WHERE l.source_id = ?`, []any{id})
			if err != nil {
				return nil, err
			}
			reverse, err := s.store.ExecuteSQL(ctx, `
				SELECT l.source_id, ?, l.rel
				FROM links l
				WHERE l.target_id = ? OR l.target_id = (SELECT path FROM documents WHERE id = ?)`,
				[]any{id, id, id})
			if err != nil {
				return nil, err
			}
			for _, row := range append(forward.Rows, reverse.Rows...) {
				source, _ := row[0].(string)
				target, _ := row[1].(string)
				rel, _ := row[2].(string)
				key := fmt.Sprintf("%s->%s:%s", source, target, rel)
				if !edgeSeen[key] {
					edgeSeen[key] = true
					g.Edges = append(g.Edges, GraphEdge{Source: source, Target: target, Rel: rel})
				}
				for _, neighbour := range []string{source, target} {
					if neighbour != "" && !visited[neighbour] {
						visited[neighbour] = true
						next = append(next, neighbour)
					}
				}
			}
		}
		frontier = next
	}
	return g, nil
}

func (s *Service) graphNode(ctx context.Context, id string) (*GraphNode, error) {
	rs, err := s.store.ExecuteSQL(ctx, `
		SELECT id, doc_type, title, observed_at, confidence
		FROM documents WHERE id = ? AND archived = 0`, []any{id})
	if err != nil {
		return nil, err
	}
	if len(rs.Rows) == 0 {
		return nil, fmt.Errorf("docservice: graph node %s not indexed", id)
	}
	row := rs.Rows[0]
	node := &GraphNode{}
	node.ID, _ = row[0].(string)
	node.Type, _ = row[1].(string)
	node.Title, _ = row[2].(string)
	if observed, ok := row[3].(string); ok {
		node.ObservedAt, _ = time.Parse(time.RFC3339, observed)
	}
	switch c := row[4].(type) {
	case float64:
		node.Confidence = c
	case int64:
		node.Confidence = float64(c)
	}
	return node, nil
}
