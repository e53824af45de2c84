// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph holds the in-memory dependency graph of enacting links.
//
// Nodes are instrument names; an edge Source→Target means Source enacts,
// amends or revokes Target. The relational store is the source of truth.
// Graph mirrors it as an adjacency index so affected-laws traversals never
// touch the database.
//
// # Thread Safety
//
// Graph is safe for concurrent use. Reads take a shared lock; Apply and
// RemoveNode take the exclusive lock only for the map updates of one diff.
// Cycles and self-loops are legal data.
package graph

import (
	"sort"
	"sync"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
)

// Graph is an adjacency index over EnactingLinks.
type Graph struct {
	mu  sync.RWMutex
	out map[string]map[string]datatypes.EnactingLink
	in  map[string]map[string]datatypes.EnactingLink
}

// Stats summarizes the graph size.
type Stats struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		out: make(map[string]map[string]datatypes.EnactingLink),
		in:  make(map[string]map[string]datatypes.EnactingLink),
	}
}

// Load replaces the whole graph with links. Used once at startup.
func (g *Graph) Load(links []datatypes.EnactingLink) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.out = make(map[string]map[string]datatypes.EnactingLink)
	g.in = make(map[string]map[string]datatypes.EnactingLink)
	for _, l := range links {
		g.addLocked(l)
	}
}

// Apply mirrors a committed link diff.
func (g *Graph) Apply(diff datatypes.LinkDiff) {
	if diff.Empty() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, l := range diff.Removed {
		g.removeLocked(l)
	}
	for _, l := range diff.Added {
		g.addLocked(l)
	}
}

// RemoveNode drops every edge that starts or ends at name.
func (g *Graph) RemoveNode(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, l := range g.out[name] {
		g.removeLocked(l)
	}
	for _, l := range g.in[name] {
		g.removeLocked(l)
	}
}

// Outgoing returns the edges leaving name, sorted by target then kind.
func (g *Graph) Outgoing(name string) []datatypes.EnactingLink {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedLinks(g.out[name])
}

// Incoming returns the edges arriving at name, sorted by source then kind.
func (g *Graph) Incoming(name string) []datatypes.EnactingLink {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortedLinks(g.in[name])
}

// Stats returns node and edge counts.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make(map[string]struct{}, len(g.out)+len(g.in))
	edges := 0
	for n, set := range g.out {
		nodes[n] = struct{}{}
		edges += len(set)
	}
	for n := range g.in {
		nodes[n] = struct{}{}
	}
	return Stats{Nodes: len(nodes), Edges: edges}
}

func (g *Graph) addLocked(l datatypes.EnactingLink) {
	k := l.Key()
	if g.out[l.Source] == nil {
		g.out[l.Source] = make(map[string]datatypes.EnactingLink)
	}
	if g.in[l.Target] == nil {
		g.in[l.Target] = make(map[string]datatypes.EnactingLink)
	}
	g.out[l.Source][k] = l
	g.in[l.Target][k] = l
}

func (g *Graph) removeLocked(l datatypes.EnactingLink) {
	k := l.Key()
	if set := g.out[l.Source]; set != nil {
		delete(set, k)
		if len(set) == 0 {
			delete(g.out, l.Source)
		}
	}
	if set := g.in[l.Target]; set != nil {
		delete(set, k)
		if len(set) == 0 {
			delete(g.in, l.Target)
		}
	}
}

func sortedLinks(set map[string]datatypes.EnactingLink) []datatypes.EnactingLink {
	out := make([]datatypes.EnactingLink, 0, len(set))
	for _, l := range set {
		out = append(out, l)
	}
	SortLinks(out)
	return out
}

// SortLinks orders links by source, target, then kind.
func SortLinks(links []datatypes.EnactingLink) {
	sort.Slice(links, func(i, j int) bool {
		a, b := links[i], links[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Kind < b.Kind
	})
}
