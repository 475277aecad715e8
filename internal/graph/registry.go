package graph

import (
	"fmt"
	"sync"
)

var (
	registryMu sync.Mutex
	templates  []*NodeTemplate
	byName     = map[string]int{}

	classifyMu   sync.Mutex
	classifyAdds []ProtoEdge

	outputMu   sync.Mutex
	outputArms []OutputArm
)

// ProtoEdge is one (ptype -> edge name) entry installed via ClassifyAddProto.
type ProtoEdge struct {
	Ptype uint32
	Node  string
}

// Register adds tmpl to the node registry. It is called during RegisterAll
// at daemon startup, never once graph.Build has run. Registering two
// templates under the same name, or a template with a nil Process, is a
// build-time configuration error.
func Register(tmpl NodeTemplate) error {
	if tmpl.Name == "" {
		return fmt.Errorf("graph: node template has empty name")
	}
	if tmpl.Process == nil {
		return fmt.Errorf("graph: node template %q has nil Process", tmpl.Name)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := byName[tmpl.Name]; exists {
		return fmt.Errorf("graph: node template %q already registered", tmpl.Name)
	}

	t := tmpl
	byName[t.Name] = len(templates)
	templates = append(templates, &t)
	return nil
}

// RunRegisterCallbacks invokes every registered template's RegisterCallback
// exactly once, in registration order. This is the second phase of the
// two-phase build: by the time any callback runs, every template named in
// spec.md's "attach as child of" relationships is already registered, so
// AttachParent/ClassifyAddProto calls inside a callback can always resolve
// their target by name.
func RunRegisterCallbacks() {
	registryMu.Lock()
	snapshot := make([]*NodeTemplate, len(templates))
	copy(snapshot, templates)
	registryMu.Unlock()

	for _, t := range snapshot {
		if t.RegisterCallback != nil {
			t.RegisterCallback()
		}
	}
}

// AttachParent records that child should be reachable as one of parent's
// edges, appending child's name to parent's Edges list if it is not already
// present, and returns the Edge index child was attached at. This is the
// dynamic counterpart to a template's static Edges list and backs
// br_node_attach_parent: a node registers itself as a classify handler, a
// tunnel output node attaches under ip_output, and so on, without the
// parent template needing to know its children in advance.
func AttachParent(parent, child string) (Edge, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	pIdx, ok := byName[parent]
	if !ok {
		return 0, fmt.Errorf("graph: AttachParent: unknown parent node %q", parent)
	}
	if _, ok := byName[child]; !ok {
		return 0, fmt.Errorf("graph: AttachParent: unknown child node %q", child)
	}

	p := templates[pIdx]
	for i, e := range p.Edges {
		if e == child {
			return Edge(i), nil
		}
	}
	p.Edges = append(p.Edges, child)
	return Edge(len(p.Edges) - 1), nil
}

// ClassifyAddProto records that packets of the given ethertype/ptype should
// dispatch to nodeName from the classify node. The classify node template's
// RegisterCallback has no special knowledge of which protocols exist; every
// other node template registers its own ptype interest here, and classify's
// Init reads ClassifyProtoTable to build its dispatch table.
func ClassifyAddProto(ptype uint32, nodeName string) {
	classifyMu.Lock()
	defer classifyMu.Unlock()
	classifyAdds = append(classifyAdds, ProtoEdge{Ptype: ptype, Node: nodeName})
}

// ClassifyProtoTable returns a copy of every ptype->node entry installed so
// far via ClassifyAddProto.
func ClassifyProtoTable() []ProtoEdge {
	classifyMu.Lock()
	defer classifyMu.Unlock()
	out := make([]ProtoEdge, len(classifyAdds))
	copy(out, classifyAdds)
	return out
}

// OutputArm is one (interface-kind -> edge node) entry installed via
// OutputAddArm, the same dispatch-table mechanism ClassifyAddProto provides
// for classify, reused here by ip_output to dispatch on a next-hop's
// interface Kind (e.g. "physical" -> "tx", "ipip" -> "ipip_output").
type OutputArm struct {
	Kind string
	Node string
}

// OutputAddArm records that next-hops whose interface Kind matches kind
// should dispatch to nodeName from ip_output.
func OutputAddArm(kind string, nodeName string) {
	outputMu.Lock()
	defer outputMu.Unlock()
	outputArms = append(outputArms, OutputArm{Kind: kind, Node: nodeName})
}

// OutputArmTable returns a copy of every kind->node entry installed so far
// via OutputAddArm.
func OutputArmTable() []OutputArm {
	outputMu.Lock()
	defer outputMu.Unlock()
	out := make([]OutputArm, len(outputArms))
	copy(out, outputArms)
	return out
}

// resetRegistry is a test-only hook; production code registers templates
// exactly once per process lifetime via RegisterAll.
func resetRegistry() {
	registryMu.Lock()
	templates = nil
	byName = map[string]int{}
	registryMu.Unlock()

	classifyMu.Lock()
	classifyAdds = nil
	classifyMu.Unlock()

	outputMu.Lock()
	outputArms = nil
	outputMu.Unlock()
}
