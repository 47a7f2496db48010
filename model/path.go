package model

import "time"

// ServedPath records an end-to-end path that served an application request,
// together with the time service completed. Nodes along the path push these
// to every adaptive controller on the path; the controllers read them back
// during periodic adaptation.
type ServedPath struct {
	At    time.Time
	Nodes []string
}

// Adjacent returns the neighbors of node on the path: zero, one or two
// names depending on the node's position. Nil when the node is not on the
// path.
func (s ServedPath) Adjacent(node string) []string {
	for i, n := range s.Nodes {
		if n != node {
			continue
		}
		var adj []string
		if i > 0 {
			adj = append(adj, s.Nodes[i-1])
		}
		if i < len(s.Nodes)-1 {
			adj = append(adj, s.Nodes[i+1])
		}
		return adj
	}
	return nil
}
