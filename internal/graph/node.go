// Package graph implements the node registry and graph builder: the
// DPDK-style graph-of-nodes engine every worker runs a private instance of.
// Node templates are registered once at daemon startup; graph.Build then
// resolves their named edges into a concrete, frozen topology each worker
// walks per burst.
package graph

import (
	"grout/internal/mbuf"
)

// Edge identifies one of a node's outgoing arcs by index into its resolved
// edge table. Edge 0 is the drop edge by convention — every node template's
// Edges[0] should name the node that sinks unrecoverable packets.
type Edge = uint16

// DropEdge is the conventional index for "send to the drop sink."
const DropEdge Edge = 0

// ProcessFunc processes one burst. objs is owned by the caller for the
// duration of the call; Process must enqueue (via inst.Enqueue) or drop
// every buffer in objs exactly once before returning. Process does not
// block. It is not allocation-free: the datapath nodes allocate small
// per-call slices (a one-element forwarding slice, and ipv4_lookup's
// per-burst address and next-hop arrays).
type ProcessFunc func(inst *NodeInstance, objs []*mbuf.Buffer)

// NodeDataLookup resolves per-worker node init data keyed by
// (graphName, nodeName), the mechanism the control plane uses to hand a
// node's Init function configuration (e.g. the tx node's queue-id map)
// without the node template needing to know about the control plane.
type NodeDataLookup interface {
	Get(graphName, nodeName string) (any, bool)
}

// DataRegistry is the map-backed NodeDataLookup implementation
// control.Bridge populates before calling graph.Build.
type DataRegistry struct {
	m map[string]any
}

// NewDataRegistry returns an empty registry.
func NewDataRegistry() *DataRegistry {
	return &DataRegistry{m: make(map[string]any)}
}

// Set installs data for (graphName, nodeName), overwriting any prior value.
func (r *DataRegistry) Set(graphName, nodeName string, data any) {
	r.m[key(graphName, nodeName)] = data
}

// Get implements NodeDataLookup.
func (r *DataRegistry) Get(graphName, nodeName string) (any, bool) {
	v, ok := r.m[key(graphName, nodeName)]
	return v, ok
}

func key(graphName, nodeName string) string { return graphName + "\x00" + nodeName }

// NodeTemplate is the static description of one node kind, registered once
// via Register. Edges lists the names of nodes this template may forward
// to; Build resolves each name to a concrete Edge index in the final graph.
type NodeTemplate struct {
	Name string

	// Process is the per-burst entry point.
	Process ProcessFunc

	// Init builds this node's private per-instance context (e.g. a cached
	// queue-id table, a pool handle). It runs once per graph.Build, not per
	// burst. data resolves any control-plane-supplied init parameters keyed
	// by (graphName, nodeName).
	Init func(graphName, nodeName string, data NodeDataLookup) (any, error)

	// Fini releases whatever Init allocated. Called by Graph.Close.
	Fini func(ctx any)

	// Edges names the nodes this template can forward to, in the order
	// Process's callers index into NodeInstance.Enqueue. Edges[0] is
	// conventionally the drop sink.
	Edges []string

	// RegisterCallback runs once, after every RegisterAll()-time Register
	// call has completed, so a node can attach itself as another node's
	// child (AttachParent) or add classify dispatch entries
	// (ClassifyAddProto) without caring about registration order.
	RegisterCallback func()
}

// NodeInstance is one worker's live instance of a NodeTemplate: the
// template plus this graph's resolved edge table and this instance's
// private Init-built context.
type NodeInstance struct {
	tmpl  *NodeTemplate
	Ctx   any
	edges []int // index into Graph.instances, parallel to tmpl.Edges
	graph *Graph
}

// Name returns the underlying template's name.
func (n *NodeInstance) Name() string { return n.tmpl.Name }

// Run invokes this instance's Process function directly, for a worker
// feeding a freshly-polled RX burst into the graph's source node (normally
// "classify"). Nodes reached via Enqueue never need this — only the
// worker loop, which sits outside the graph, calls Run.
func (n *NodeInstance) Run(objs []*mbuf.Buffer) {
	n.tmpl.Process(n, objs)
}

// Enqueue forwards objs to the instance reachable via edge e. A Process
// function calls this once per buffer (or once per same-edge batch) instead
// of returning a verdict, matching the original's "enqueue to next node"
// graph-walk style.
func (n *NodeInstance) Enqueue(e Edge, objs []*mbuf.Buffer) {
	if int(e) >= len(n.edges) {
		panic("graph: edge index out of range for node " + n.tmpl.Name)
	}
	target := n.graph.instances[n.edges[e]]
	target.tmpl.Process(target, objs)
}

// EnqueueNamed forwards objs directly to the named node instance within the
// same graph, bypassing the static Edges/Edge-index table. classify and
// ip_output use this for their dynamic ptype/kind dispatch tables, since the
// set of nodes they can reach is only known at register-callback time, not
// at template-definition time.
func (n *NodeInstance) EnqueueNamed(name string, objs []*mbuf.Buffer) {
	idx, ok := n.graph.byName[name]
	if !ok {
		panic("graph: EnqueueNamed: unknown node " + name)
	}
	target := n.graph.instances[idx]
	target.tmpl.Process(target, objs)
}
