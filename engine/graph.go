package engine

import (
	"github.com/scylladb/go-set/strset"

	"github.com/bibin-skaria/imginv/internal/types"
	"github.com/bibin-skaria/imginv/registry"
)

const (
	// FrequencyThreshold is the census count above which a package is grouped
	// under the meta node instead of being expanded in place.
	FrequencyThreshold = 100

	RootNamePrefix     = "docker-image|"
	MetaPackageName    = "meta-common-packages"
	MetaPackageVersion = "meta"
)

// GraphBuilder turns a flat list of package records into a dependency tree.
// All traversal state lives on the builder, so the records are never mutated
// and a builder is used for one tree only.
type GraphBuilder struct {
	records    []*types.PackageRecord
	byName     map[string]*types.PackageRecord
	byProvides map[string]*types.PackageRecord

	counts      map[string]int
	countOrder  []string
	tooFrequent []string
	skip        *strset.Set
	visited     map[*types.PackageRecord]bool
	censusDone  bool
}

func NewGraphBuilder(records []*types.PackageRecord) *GraphBuilder {
	g := &GraphBuilder{
		records:    records,
		byName:     make(map[string]*types.PackageRecord, len(records)),
		byProvides: make(map[string]*types.PackageRecord),
		counts:     make(map[string]int),
		skip:       strset.New(),
		visited:    make(map[*types.PackageRecord]bool),
	}
	for _, rec := range records {
		if rec == nil {
			continue
		}
		g.byName[rec.Name] = rec
	}
	for _, rec := range records {
		if rec == nil {
			continue
		}
		for _, p := range rec.Provides {
			g.byProvides[p] = rec
		}
	}
	return g
}

// resolve looks name up as a real package first, then as a virtual one
func (g *GraphBuilder) resolve(name string) *types.PackageRecord {
	if rec, ok := g.byName[name]; ok {
		return rec
	}
	return g.byProvides[name]
}

type censusFrame struct {
	rec  *types.PackageRecord
	next int
}

// census walks the dependency graph from every record and counts each time a
// package is reached. Ancestors are tracked by real name so cycles end a walk.
func (g *GraphBuilder) census() {
	if g.censusDone {
		return
	}
	g.censusDone = true

	for _, root := range g.records {
		if root == nil {
			continue
		}
		start := g.resolve(root.Name)
		if start == nil {
			continue
		}

		ancestors := strset.New(start.Name)
		g.count(start.Name)
		stack := []*censusFrame{{rec: start}}

		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if top.next >= len(top.rec.Deps) {
				ancestors.Remove(top.rec.Name)
				stack = stack[:len(stack)-1]
				continue
			}
			dep := g.resolve(top.rec.Deps[top.next])
			top.next++
			if dep == nil || ancestors.Has(dep.Name) {
				continue
			}
			g.count(dep.Name)
			ancestors.Add(dep.Name)
			stack = append(stack, &censusFrame{rec: dep})
		}
	}

	for _, name := range g.countOrder {
		if g.counts[name] > FrequencyThreshold {
			g.tooFrequent = append(g.tooFrequent, name)
			g.skip.Add(name)
		}
	}
}

func (g *GraphBuilder) count(name string) {
	if _, seen := g.counts[name]; !seen {
		g.countOrder = append(g.countOrder, name)
	}
	g.counts[name]++
}

// TooFrequent returns the names excluded from expansion, in the order the
// census first reached them.
func (g *GraphBuilder) TooFrequent() []string {
	g.census()
	return append([]string(nil), g.tooFrequent...)
}

type expandFrame struct {
	rec      *types.PackageRecord
	node     *types.DependencyNode
	fullName string
	next     int
}

// Expand builds the subtree for name. It returns nil when name does not
// resolve or is excluded as too frequent. A package that was already expanded
// elsewhere comes back as a leaf without children.
func (g *GraphBuilder) Expand(name string) *types.DependencyNode {
	g.census()

	rec := g.resolve(name)
	if rec == nil || g.skip.Has(rec.Name) {
		return nil
	}
	fullName := rec.FullName()
	if g.visited[rec] {
		return types.NewDependencyNode(fullName, rec.Version)
	}
	g.visited[rec] = true

	root := &expandFrame{rec: rec, node: types.NewDependencyNode(fullName, rec.Version), fullName: fullName}
	ancestors := strset.New(fullName)
	stack := []*expandFrame{root}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.next >= len(top.rec.Deps) {
			ancestors.Remove(top.fullName)
			stack = stack[:len(stack)-1]
			continue
		}
		dep := g.resolve(top.rec.Deps[top.next])
		top.next++
		if dep == nil {
			continue
		}
		depFullName := dep.FullName()
		if ancestors.Has(depFullName) || g.skip.Has(dep.Name) {
			continue
		}

		child := types.NewDependencyNode(depFullName, dep.Version)
		if g.visited[dep] {
			top.node.AddChild(depFullName, child)
			continue
		}
		g.visited[dep] = true

		// A duplicate key keeps the first sibling, but the subtree is still
		// expanded so the packages it reaches count as visited.
		top.node.AddChild(depFullName, child)
		ancestors.Add(depFullName)
		stack = append(stack, &expandFrame{rec: dep, node: child, fullName: depFullName})
	}

	return root.node
}

// Visited reports whether the record registered under name has been expanded
func (g *GraphBuilder) Visited(name string) bool {
	rec, ok := g.byName[name]
	return ok && g.visited[rec]
}

// Build assembles the full tree under root. Manually installed packages are
// attached first, then every package still unvisited, then the meta node for
// the too frequent packages.
func (g *GraphBuilder) Build(root *types.DepTree) *types.DepTree {
	g.census()
	if root.Dependencies == nil {
		root.Dependencies = make(map[string]*types.DependencyNode)
	}

	var manual []*types.PackageRecord
	for _, rec := range g.records {
		if rec != nil && !rec.AutoInstalled {
			manual = append(manual, rec)
		}
	}
	g.attach(root, manual)

	var orphans []*types.PackageRecord
	for _, rec := range g.records {
		if rec != nil && !g.Visited(rec.Name) {
			orphans = append(orphans, rec)
		}
	}
	g.attach(root, orphans)

	if len(g.tooFrequent) > 0 {
		meta := types.NewDependencyNode(MetaPackageName, MetaPackageVersion)
		for _, name := range g.tooFrequent {
			rec := g.byName[name]
			meta.AddChild(rec.FullName(), types.NewDependencyNode(rec.FullName(), rec.Version))
		}
		root.AddChild(MetaPackageName, meta)
	}
	return root
}

func (g *GraphBuilder) attach(root *types.DepTree, records []*types.PackageRecord) {
	for _, rec := range records {
		if subtree := g.Expand(rec.Name); subtree != nil {
			root.AddChild(subtree.Name, subtree)
		}
	}
}

// BuildTree builds the dependency tree of targetImage from records. The root
// is named after the image as written, prefixed so the image itself is never
// mistaken for a package; its version is the tag, or the digest for pinned
// references.
func BuildTree(targetImage string, analysisType types.AnalysisType, records []*types.PackageRecord, targetOS types.OSRelease) (*types.DepTree, error) {
	ref, err := registry.ParseImageReference(targetImage)
	if err != nil {
		return nil, err
	}

	root := &types.DepTree{
		Name:                 RootNamePrefix + ref.ShortName(),
		Version:              ref.Tag,
		TargetOS:             targetOS,
		PackageFormatVersion: analysisType.PackageFormatVersion(),
		Dependencies:         make(map[string]*types.DependencyNode),
	}
	return NewGraphBuilder(records).Build(root), nil
}
