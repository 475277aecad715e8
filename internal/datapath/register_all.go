// register_all.go is the two-phase-build entrypoint for the whole datapath
// graph: it registers the scratch fields every node relies on plus all
// seven node templates, mirroring how the original's constructor functions
// (each module's *_init, wired up via its own __rte_constructor) populate a
// single global node registry before br_node_build/br_graph_init ever runs.
// RegisterAll itself performs no attach/dispatch wiring — that happens in
// each node's RegisterCallback once graph.RunRegisterCallbacks runs, after
// every template in the process is registered.
package datapath

import (
	"fmt"

	"grout/internal/graph"
)

func RegisterAll() error {
	if err := registerFields(); err != nil {
		return fmt.Errorf("datapath: registering scratch fields: %w", err)
	}

	templates := []graph.NodeTemplate{
		{
			Name:    "classify",
			Process: classifyProcess,
			Init:    classifyInit,
			Edges:   []string{"drop"},
		},
		{
			Name:             "ipv4_lookup",
			Process:          lookupProcess,
			Init:             lookupInit,
			Edges:            []string{"drop", "ipv4_rewrite"},
			RegisterCallback: lookupRegister,
		},
		{
			Name:    "ipv4_rewrite",
			Process: rewriteProcess,
			Init:    rewriteInit,
			Edges:   []string{"drop", "ip_output"},
		},
		{
			Name:    "ip_output",
			Process: outputProcess,
			Init:    outputInit,
			Edges:   []string{"drop"},
		},
		{
			Name:             "ipip_output",
			Process:          tunnelProcess,
			Init:             tunnelInit,
			Edges:            []string{"drop", "ip_output"},
			RegisterCallback: tunnelRegister,
		},
		{
			Name:             "tx",
			Process:          txProcess,
			Init:             txInit,
			Edges:            []string{},
			RegisterCallback: txRegister,
		},
		{
			Name:    "drop",
			Process: dropProcess,
			Init:    dropInit,
			Edges:   []string{},
		},
	}

	for _, tmpl := range templates {
		if err := graph.Register(tmpl); err != nil {
			return fmt.Errorf("datapath: registering node %s: %w", tmpl.Name, err)
		}
	}
	return nil
}
