// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/google/uuid"
)

const (
	// DefaultLimit is the default maximum number of affected instruments.
	DefaultLimit = 10000

	// MaxLimit caps WithLimit.
	MaxLimit = 100000

	// DefaultMaxDepth leaves the traversal depth unbounded. The visited set
	// already guarantees termination; Limit bounds the result size.
	DefaultMaxDepth = 0

	// contextCheckInterval is how many dequeued nodes pass between ctx checks.
	contextCheckInterval = 100
)

// TraversalOptions configures an affected-laws traversal.
type TraversalOptions struct {
	Limit    int
	MaxDepth int
	Kinds    []datatypes.LinkKind
}

// TraversalOption is a functional option for Affected.
type TraversalOption func(*TraversalOptions)

// WithLimit caps the number of affected instruments returned.
// n <= 0 selects DefaultLimit; n > MaxLimit is clamped.
func WithLimit(n int) TraversalOption {
	return func(o *TraversalOptions) {
		switch {
		case n <= 0:
			o.Limit = DefaultLimit
		case n > MaxLimit:
			o.Limit = MaxLimit
		default:
			o.Limit = n
		}
	}
}

// WithMaxDepth caps the traversal depth. d <= 0 means unbounded.
func WithMaxDepth(d int) TraversalOption {
	return func(o *TraversalOptions) {
		if d <= 0 {
			o.MaxDepth = 0
			return
		}
		o.MaxDepth = d
	}
}

// WithKinds restricts the traversal to edges of the given kinds.
func WithKinds(kinds ...datatypes.LinkKind) TraversalOption {
	return func(o *TraversalOptions) {
		o.Kinds = kinds
	}
}

func applyOptions(opts []TraversalOption) TraversalOptions {
	o := TraversalOptions{Limit: DefaultLimit, MaxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Affected computes every instrument that depends on the roots.
//
// # Description
//
// Breadth-first traversal from each root along its enacting, amending and
// revoking edges, transitively. Every node is visited at most once, so a
// cycle contributes each member exactly once and the traversal always
// terminates. Roots are marked visited up front: they never appear in the
// result, and a self-loop contributes nothing. Each member is reported with
// the edge path from its root; with several roots the first root in input
// order that reaches a member claims it.
//
// Members are ordered by depth, then by name.
//
// # Inputs
//
//   - ctx: Checked every 100 dequeued nodes.
//   - roots: Instrument names. Duplicates are ignored.
//   - opts: WithLimit, WithMaxDepth, WithKinds.
//
// # Outputs
//
//   - *datatypes.AffectedResult: Members with paths, a fresh traversal id
//     and Truncated set when the limit or depth cap cut the traversal short.
//   - error: Non-nil only when ctx is done.
//
// # Thread Safety
//
// Holds the read lock for the whole traversal, so the result is a
// consistent snapshot.
func (g *Graph) Affected(ctx context.Context, roots []string, opts ...TraversalOption) (*datatypes.AffectedResult, error) {
	o := applyOptions(opts)
	allowed := func(k datatypes.LinkKind) bool {
		if len(o.Kinds) == 0 {
			return true
		}
		for _, want := range o.Kinds {
			if want == k {
				return true
			}
		}
		return false
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	type queueItem struct {
		name  string
		root  string
		depth int
	}

	result := &datatypes.AffectedResult{
		Traversal: uuid.NewString(),
		Affected:  []datatypes.AffectedLaw{},
	}
	visited := make(map[string]bool)
	parent := make(map[string]datatypes.EnactingLink)
	queue := make([]queueItem, 0, len(roots))

	for _, r := range roots {
		if visited[r] {
			continue
		}
		visited[r] = true
		result.Roots = append(result.Roots, r)
		queue = append(queue, queueItem{name: r, root: r})
	}

	checkCounter := 0
	for len(queue) > 0 {
		checkCounter++
		if checkCounter%contextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("affected laws traversal: %w", err)
			}
		}

		item := queue[0]
		queue = queue[1:]

		if o.MaxDepth > 0 && item.depth >= o.MaxDepth {
			if len(g.out[item.name]) > 0 {
				result.Truncated = true
			}
			continue
		}

		for _, edge := range sortedLinks(g.out[item.name]) {
			if !allowed(edge.Kind) || visited[edge.Target] {
				continue
			}
			if len(result.Affected) >= o.Limit {
				result.Truncated = true
				queue = nil
				break
			}
			visited[edge.Target] = true
			parent[edge.Target] = edge
			result.Affected = append(result.Affected, datatypes.AffectedLaw{
				Instrument: edge.Target,
				Depth:      item.depth + 1,
				Roots:      []string{item.root},
			})
			queue = append(queue, queueItem{name: edge.Target, root: item.root, depth: item.depth + 1})
		}
	}

	for i := range result.Affected {
		result.Affected[i].Via = pathTo(result.Affected[i].Instrument, parent)
	}
	sort.SliceStable(result.Affected, func(i, j int) bool {
		a, b := result.Affected[i], result.Affected[j]
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		return a.Instrument < b.Instrument
	})
	return result, nil
}

// pathTo walks parent edges back to a root and returns them root-first.
func pathTo(name string, parent map[string]datatypes.EnactingLink) []datatypes.EnactingLink {
	var rev []datatypes.EnactingLink
	for {
		edge, ok := parent[name]
		if !ok {
			break
		}
		rev = append(rev, edge)
		name = edge.Source
	}
	path := make([]datatypes.EnactingLink, len(rev))
	for i, e := range rev {
		path[len(rev)-1-i] = e
	}
	return path
}
