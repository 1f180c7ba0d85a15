// graph.go - Prompt-Graphen aufloesen und ordnen
//
// Dieses Modul enthaelt:
// - parseGraph: Trennt Widget-Werte von Links [node_id, output_index]
// - Typpruefung der Links gegen die Eingabe-Schemas
// - order: Topologische Sortierung (Kahn) mit Zykluserkennung
package server

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/emirpasic/gods/v2/queues/arrayqueue"

	"github.com/ollama/fluxmod/api"
	"github.com/ollama/fluxmod/nodes"
)

var (
	errInvalidLink = errors.New("invalid link")
	errCycle       = errors.New("prompt contains a cycle")
)

type link struct {
	node  string
	index int
}

type graphNode struct {
	id      string
	class   string
	def     *nodes.Definition
	widgets map[string]any
	links   map[string]link
}

type graph struct {
	nodes map[string]*graphNode
}

// graphError ist ein Fehler an einer bestimmten Node
type graphError struct {
	node string
	err  error
}

func (e *graphError) Error() string { return fmt.Sprintf("node %s: %v", e.node, e.err) }
func (e *graphError) Unwrap() error { return e.err }

// parseGraph prueft Klassen und Links eines Prompts
func parseGraph(r *nodes.Registry, env *nodes.Env, prompt map[string]api.NodeRequest) (*graph, error) {
	g := &graph{nodes: make(map[string]*graphNode, len(prompt))}

	for id, req := range prompt {
		def, err := r.Get(req.ClassType)
		if err != nil {
			return nil, &graphError{id, err}
		}

		n := &graphNode{id: id, class: req.ClassType, def: def, widgets: make(map[string]any), links: make(map[string]link)}
		for name, v := range req.Inputs {
			if l, ok := asLink(v, prompt); ok {
				n.links[name] = l
			} else {
				n.widgets[name] = v
			}
		}
		g.nodes[id] = n
	}

	for _, id := range sortedIDs(g.nodes) {
		n := g.nodes[id]
		schema, err := n.def.Inputs(env)
		if err != nil {
			return nil, &graphError{id, err}
		}

		for name, l := range n.links {
			src := g.nodes[l.node]
			if l.index < 0 || l.index >= len(src.def.ReturnTypes) {
				return nil, &graphError{id, fmt.Errorf("%w: %s: %s has no output %d", errInvalidLink, name, src.class, l.index)}
			}

			in, _, ok := schema.Lookup(name)
			if !ok {
				return nil, &graphError{id, fmt.Errorf("%w: %s has no input %s", errInvalidLink, n.class, name)}
			}
			if got := src.def.ReturnTypes[l.index]; !in.IsCombo() && in.Type != got {
				return nil, &graphError{id, fmt.Errorf("%w: %s expects %s, got %s from node %s", errInvalidLink, name, in.Type, got, l.node)}
			}
		}
	}

	return g, nil
}

// asLink erkennt [node_id, output_index] mit existierender Node
func asLink(v any, prompt map[string]api.NodeRequest) (link, bool) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return link{}, false
	}

	id, ok := pair[0].(string)
	if !ok {
		return link{}, false
	}
	if _, ok := prompt[id]; !ok {
		return link{}, false
	}

	var index float64
	switch n := pair[1].(type) {
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return link{}, false
		}
		index = f
	case float64:
		index = n
	default:
		return link{}, false
	}
	if index != math.Trunc(index) {
		return link{}, false
	}
	return link{node: id, index: int(index)}, true
}

// compareIDs ordnet numerische IDs numerisch ("2" vor "10"), sonst lexikalisch
func compareIDs(a, b string) int {
	if len(a) != len(b) && isDigits(a) && isDigits(b) {
		return cmp.Compare(len(a), len(b))
	}
	return strings.Compare(a, b)
}

func isDigits(s string) bool {
	return s != "" && strings.Trim(s, "0123456789") == ""
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, compareIDs)
	return ids
}

// order gibt die Nodes in Abhaengigkeitsreihenfolge zurueck. Unabhaengige
// Nodes laufen in ID-Reihenfolge.
func (g *graph) order() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, id := range sortedIDs(g.nodes) {
		deps := make(map[string]bool)
		for _, l := range g.nodes[id].links {
			deps[l.node] = true
		}
		indegree[id] = len(deps)
		for dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	q := arrayqueue.New[string]()
	for _, id := range sortedIDs(g.nodes) {
		if indegree[id] == 0 {
			q.Enqueue(id)
		}
	}

	out := make([]string, 0, len(g.nodes))
	for !q.Empty() {
		id, _ := q.Dequeue()
		out = append(out, id)

		next := dependents[id]
		slices.SortFunc(next, compareIDs)
		for _, d := range next {
			indegree[d]--
			if indegree[d] == 0 {
				q.Enqueue(d)
			}
		}
	}

	if len(out) != len(g.nodes) {
		var rest []string
		for id, n := range indegree {
			if n > 0 {
				rest = append(rest, id)
			}
		}
		slices.SortFunc(rest, compareIDs)
		return nil, fmt.Errorf("%w: nodes %s", errCycle, strings.Join(rest, ", "))
	}
	return out, nil
}
