package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Registry is the explicit module registry: a mapping from module identifier
// to its descriptor, populated once at startup and never resolved
// dynamically per call.
type Registry struct {
	modules map[string]Descriptor
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Descriptor)}
}

// Register adds a module descriptor. Identifiers must be unique and
// non-empty, and the implementation must be present.
func (r *Registry) Register(d Descriptor) error {
	if d.ID == "" {
		return NewConfigurationError("module descriptor has empty id", nil)
	}
	if d.Impl == nil {
		return NewConfigurationError("module has no implementation", nil).WithModule(d.ID)
	}
	if _, exists := r.modules[d.ID]; exists {
		return NewConfigurationError(fmt.Sprintf("duplicate module id %q", d.ID), nil)
	}
	r.modules[d.ID] = d
	r.order = append(r.order, d.ID)
	return nil
}

// RegisterAll registers descriptors in order, stopping at the first error.
func (r *Registry) RegisterAll(descriptors ...Descriptor) error {
	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the descriptor for a module id.
func (r *Registry) Resolve(id string) (Descriptor, bool) {
	d, ok := r.modules[id]
	return d, ok
}

// IDs returns registered module identifiers in registration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	return len(r.modules)
}

// Validate checks that every declared dependency resolves to a registered
// module and that the graph is acyclic. A cycle is reported with the
// participating module identifiers. Validation runs before any module does.
func (r *Registry) Validate() error {
	for _, id := range r.order {
		for _, dep := range r.modules[id].Dependencies {
			if _, ok := r.modules[dep]; !ok {
				return NewConfigurationError(
					fmt.Sprintf("module %q depends on unregistered module %q", id, dep), nil,
				).WithModule(id)
			}
		}
	}

	if cycle := r.findCycle(); len(cycle) > 0 {
		return NewConfigurationError(
			fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")), nil)
	}
	return nil
}

// findCycle runs a depth-first search over dependency edges and returns the
// participants of the first cycle found, closed on the repeated module.
func (r *Registry) findCycle() []string {
	visited := make(map[string]bool)
	inStack := make(map[string]bool)

	var cycle []string
	var visit func(id string, path []string) bool
	visit = func(id string, path []string) bool {
		visited[id] = true
		inStack[id] = true
		path = append(path, id)

		deps := append([]string(nil), r.modules[id].Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			if !visited[dep] {
				if visit(dep, path) {
					return true
				}
			} else if inStack[dep] {
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), path[start:]...), dep)
				return true
			}
		}

		inStack[id] = false
		return false
	}

	ids := append([]string(nil), r.order...)
	sort.Strings(ids)
	for _, id := range ids {
		if !visited[id] && visit(id, nil) {
			return cycle
		}
	}
	return nil
}

// Plan is the derived execution plan: an ordered sequence of batches. Each
// batch holds module identifiers with no dependency edges among themselves
// and with every cross-batch dependency satisfied by an earlier batch.
type Plan struct {
	Batches [][]string
}

// ModuleCount returns the total number of planned modules.
func (p *Plan) ModuleCount() int {
	n := 0
	for _, b := range p.Batches {
		n += len(b)
	}
	return n
}

// BuildPlan validates the graph and derives the batched plan by repeated
// removal of modules whose dependencies are already placed. Within one
// topological level, modules sharing a parallel-group tag form a single
// concurrent batch; untagged modules each run in a batch of their own, so
// concurrency only ever happens inside a declared group.
func (r *Registry) BuildPlan() (*Plan, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(r.modules))
	dependents := make(map[string][]string, len(r.modules))
	for _, id := range r.order {
		inDegree[id] += 0
		for _, dep := range r.modules[id].Dependencies {
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var level []string
	for _, id := range r.order {
		if inDegree[id] == 0 {
			level = append(level, id)
		}
	}
	sort.Strings(level)

	plan := &Plan{}
	placed := 0
	for len(level) > 0 {
		plan.Batches = append(plan.Batches, r.batchLevel(level)...)
		placed += len(level)

		var next []string
		for _, id := range level {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		level = next
	}

	// Unreachable once Validate has passed; kept as an internal invariant.
	if placed != len(r.modules) {
		return nil, NewConfigurationError("plan did not place every module", nil)
	}
	return plan, nil
}

// batchLevel splits one topological level into batches: one batch per
// parallel-group tag, one single-module batch per untagged module.
func (r *Registry) batchLevel(level []string) [][]string {
	grouped := make(map[string][]string)
	var groupTags []string
	var batches [][]string

	for _, id := range level {
		tag := r.modules[id].Group
		if tag == "" {
			batches = append(batches, []string{id})
			continue
		}
		if _, seen := grouped[tag]; !seen {
			groupTags = append(groupTags, tag)
		}
		grouped[tag] = append(grouped[tag], id)
	}

	sort.Strings(groupTags)
	for _, tag := range groupTags {
		members := grouped[tag]
		sort.Strings(members)
		batches = append(batches, members)
	}
	return batches
}

// ToDOT renders the dependency graph in DOT format for Graphviz.
func (r *Registry) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph modules {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n")

	ids := append([]string(nil), r.order...)
	sort.Strings(ids)
	for _, id := range ids {
		d := r.modules[id]
		if d.Group != "" {
			fmt.Fprintf(&sb, "  %q [label=%q];\n", id, id+"\\n("+d.Group+")")
		} else {
			fmt.Fprintf(&sb, "  %q;\n", id)
		}
	}
	for _, id := range ids {
		deps := append([]string(nil), r.modules[id].Dependencies...)
		sort.Strings(deps)
		for _, dep := range deps {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep, id)
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}
