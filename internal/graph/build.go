package graph

import "fmt"

// BuildConfig parameterizes graph.Build.
type BuildConfig struct {
	// Name identifies this graph instance for NodeDataLookup and logging
	// (normally the worker's name, e.g. "worker-0").
	Name string
	// Sources lists the RX-side node names reachability analysis starts
	// from (normally just "classify").
	Sources []string
	// Data resolves per-(graphName, nodeName) init parameters. May be nil,
	// in which case every Init sees an always-miss lookup.
	Data NodeDataLookup
}

type nilLookup struct{}

func (nilLookup) Get(string, string) (any, bool) { return nil, false }

// Graph is a frozen, per-worker instance of the node topology: every
// reachable template has been instantiated and Init-ed, and every edge name
// resolved to a concrete instance index. A Graph has no mutation methods;
// building a second graph (for the next worker) starts over from the shared
// template registry.
type Graph struct {
	Name      string
	instances []*NodeInstance
	byName    map[string]int
	// initOrder lists instance indices in the order Init was called, so
	// Close can run Fini in reverse.
	initOrder []int
}

// Build performs reachability analysis from cfg.Sources over the shared
// node registry, instantiates and Inits every reachable node, resolves
// every edge name to an instance index, and returns the frozen graph.
func Build(cfg BuildConfig) (*Graph, error) {
	registryMu.Lock()
	snapshot := make([]*NodeTemplate, len(templates))
	copy(snapshot, templates)
	nameIdx := make(map[string]int, len(byName))
	for k, v := range byName {
		nameIdx[k] = v
	}
	registryMu.Unlock()

	data := cfg.Data
	if data == nil {
		data = nilLookup{}
	}

	g := &Graph{Name: cfg.Name, byName: map[string]int{}}

	// Reachability: BFS from Sources over template Edges, collecting the
	// set of template indices to instantiate.
	var queue []string
	seen := map[string]bool{}
	for _, s := range cfg.Sources {
		if !seen[s] {
			seen[s] = true
			queue = append(queue, s)
		}
	}
	var order []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		tIdx, ok := nameIdx[name]
		if !ok {
			return nil, fmt.Errorf("graph: build: unknown node %q", name)
		}
		order = append(order, name)
		for _, child := range snapshot[tIdx].Edges {
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
	}

	// Instantiate in BFS order (parents before children is not required for
	// correctness since Enqueue resolves lazily through g.instances, but it
	// keeps Init/Fini ordering intuitive to read in logs).
	g.instances = make([]*NodeInstance, len(order))
	for i, name := range order {
		tIdx := nameIdx[name]
		tmpl := snapshot[tIdx]
		inst := &NodeInstance{tmpl: tmpl, graph: g}
		g.instances[i] = inst
		g.byName[name] = i
	}

	for i, name := range order {
		tmpl := snapshot[nameIdx[name]]
		inst := g.instances[i]
		if tmpl.Init != nil {
			ctx, err := tmpl.Init(cfg.Name, name, data)
			if err != nil {
				// unwind whatever already succeeded before returning
				g.closePartial(len(g.initOrder))
				return nil, fmt.Errorf("graph: build: init %q: %w", name, err)
			}
			inst.Ctx = ctx
		}
		g.initOrder = append(g.initOrder, i)
	}

	// Resolve each instance's edge names to instance indices now that every
	// reachable node has been instantiated.
	for i, name := range order {
		tmpl := snapshot[nameIdx[name]]
		inst := g.instances[i]
		inst.edges = make([]int, len(tmpl.Edges))
		for e, childName := range tmpl.Edges {
			childIdx, ok := g.byName[childName]
			if !ok {
				g.closePartial(len(g.initOrder))
				return nil, fmt.Errorf("graph: build: node %q edge %d -> unknown node %q", name, e, childName)
			}
			inst.edges[e] = childIdx
		}
	}

	return g, nil
}

// Instance returns the named node's live instance, for tests and for
// workers that need a direct handle to a source node (e.g. "classify") to
// feed an RX burst into.
func (g *Graph) Instance(name string) (*NodeInstance, bool) {
	idx, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return g.instances[idx], true
}

func (g *Graph) closePartial(n int) {
	for i := n - 1; i >= 0; i-- {
		idx := g.initOrder[i]
		inst := g.instances[idx]
		if inst.tmpl.Fini != nil {
			inst.tmpl.Fini(inst.Ctx)
		}
	}
}

// Close tears down every node instance, calling each template's Fini in
// reverse Init order.
func (g *Graph) Close() {
	g.closePartial(len(g.initOrder))
}
