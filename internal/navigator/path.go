package navigator

import "github.com/sylvester1001/zat/internal/scene"

// FindPath returns the shortest sequence of state ids from -> to, both ends
// included, following explicit edges and materialised back edges in
// declaration order. It returns [from] when from == to and nil when either id
// is unregistered or to is unreachable.
func FindPath(g *scene.Graph, from, to string) []string {
	if !g.Has(from) || !g.Has(to) {
		return nil
	}
	if from == to {
		return []string{from}
	}

	parent := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		n, _ := g.Node(cur)
		for _, e := range n.Edges {
			if _, seen := parent[e.Target]; seen {
				continue
			}
			parent[e.Target] = cur
			if e.Target == to {
				return walkBack(parent, from, to)
			}
			queue = append(queue, e.Target)
		}
	}
	return nil
}

func walkBack(parent map[string]string, from, to string) []string {
	var rev []string
	for id := to; id != from; id = parent[id] {
		rev = append(rev, id)
	}
	rev = append(rev, from)

	path := make([]string, len(rev))
	for i, id := range rev {
		path[len(rev)-1-i] = id
	}
	return path
}
