// Package cluster tracks which nodes take part in a crawl cluster and which
// registry actors each of them exposes.
package cluster

import (
	"sort"
	"sync"

	"github.com/JakeFAU/sitemirror/internal/actor"
)

// Role names a well-known actor every node runs.
type Role string

// Registry roles used for fan-out discovery.
const (
	RoleJobRegistry   Role = "job-registry"
	RoleLeaseRegistry Role = "lease-registry"
)

// Membership lists the actors other members expose under a role.
type Membership interface {
	Peers(role Role) []actor.Ref
}

// Standalone is the membership of a node without peers.
type Standalone struct{}

// Peers implements Membership.
func (Standalone) Peers(Role) []actor.Ref { return nil }

// Group is an in-process cluster: nodes living in the same process join it and
// discover each other's registries through it.
type Group struct {
	mu      sync.RWMutex
	members map[string]map[Role]actor.Ref
}

// NewGroup creates an empty group.
func NewGroup() *Group {
	return &Group{members: make(map[string]map[Role]actor.Ref)}
}

// Join registers ref under role for node.
func (g *Group) Join(node string, role Role, ref actor.Ref) {
	g.mu.Lock()
	defer g.mu.Unlock()
	roles, ok := g.members[node]
	if !ok {
		roles = make(map[Role]actor.Ref)
		g.members[node] = roles
	}
	roles[role] = ref
}

// Leave removes node and every actor it registered.
func (g *Group) Leave(node string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, node)
}

// Nodes returns member names in sorted order.
func (g *Group) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.members))
	for name := range g.members {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Member returns node's view of the group, which excludes node itself.
func (g *Group) Member(node string) Membership {
	return memberView{group: g, self: node}
}

type memberView struct {
	group *Group
	self  string
}

func (v memberView) Peers(role Role) []actor.Ref {
	v.group.mu.RLock()
	defer v.group.mu.RUnlock()
	names := make([]string, 0, len(v.group.members))
	for name := range v.group.members {
		if name != v.self {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]actor.Ref, 0, len(names))
	for _, name := range names {
		if ref, ok := v.group.members[name][role]; ok {
			out = append(out, ref)
		}
	}
	return out
}
