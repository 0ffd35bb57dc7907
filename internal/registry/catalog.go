// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"fmt"
	"sync"

	"github.com/flowmesh/control-plane/internal/apierr"
	"github.com/flowmesh/control-plane/internal/types"
)

// PackageCatalog resolves a node's declared type to the package that
// implements it, so a snapshot can be rejected at creation time rather
// than failing a node mid-run because no worker can ever satisfy it.
// The HTTP-facing package search, upload, and registry-mirroring
// surface is a separate concern and is not part of this interface.
type PackageCatalog interface {
	// Resolve reports whether nodeType/pkg names a known, installable
	// package version. An empty pkg.Version matches any published
	// version of pkg.Name.
	Resolve(nodeType string, pkg types.PackageRef) bool
}

// MemoryCatalog is the default PackageCatalog: a table of node type to
// package-version entries, seeded from configuration at startup and
// extended only through Add. Resolve takes only a read lock, matching
// the access pattern of gateway.Catalogue.
type MemoryCatalog struct {
	mu      sync.RWMutex
	entries map[string]map[string]struct{} // (node type, package name) key -> pinned versions
	any     map[string]struct{}            // (node type, package name) keys accepting any version
}

// CatalogEntry is one row of a package catalogue seed: a node type
// implemented by a named package, optionally pinned to specific
// versions. An empty Versions list means the package satisfies that
// node type at any version.
type CatalogEntry struct {
	NodeType string
	Package  string
	Versions []string
}

// NewMemoryCatalog builds a MemoryCatalog from a fixed set of entries,
// typically loaded from the control plane's configuration file.
func NewMemoryCatalog(entries []CatalogEntry) *MemoryCatalog {
	c := &MemoryCatalog{
		entries: make(map[string]map[string]struct{}),
		any:     make(map[string]struct{}),
	}
	for _, e := range entries {
		c.addLocked(e)
	}
	return c
}

// Add registers or extends a catalogue entry at runtime, used by
// administrative reseeding rather than the request hot path.
func (c *MemoryCatalog) Add(e CatalogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addLocked(e)
}

func (c *MemoryCatalog) addLocked(e CatalogEntry) {
	key := catalogKey(e.NodeType, e.Package)
	if len(e.Versions) == 0 {
		c.any[key] = struct{}{}
		return
	}
	versions, ok := c.entries[key]
	if !ok {
		versions = make(map[string]struct{})
		c.entries[key] = versions
	}
	for _, v := range e.Versions {
		versions[v] = struct{}{}
	}
}

// Resolve implements PackageCatalog.
func (c *MemoryCatalog) Resolve(nodeType string, pkg types.PackageRef) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key := catalogKey(nodeType, pkg.Name)
	if _, ok := c.any[key]; ok {
		return true
	}
	if pkg.Version == "" {
		_, ok := c.entries[key]
		return ok
	}
	versions, ok := c.entries[key]
	if !ok {
		return false
	}
	_, ok = versions[pkg.Version]
	return ok
}

func catalogKey(nodeType, pkg string) string {
	return nodeType + "\x00" + pkg
}

// validatePackages checks every node and middleware in the snapshot
// against the catalogue, so a run never queues a node whose package
// the control plane has never heard of. Nil catalog skips the check:
// the catalogue seed is optional configuration, not a hard dependency.
func validatePackages(catalog PackageCatalog, snap *types.WorkflowSnapshot) error {
	if catalog == nil {
		return nil
	}
	for _, n := range snap.Nodes {
		if !catalog.Resolve(n.Type, n.Package) {
			return unknownPackageError(n.ID, n.Type, n.Package)
		}
		for _, mw := range n.Middlewares {
			if !catalog.Resolve(mw.Type, mw.Package) {
				return unknownPackageError(mw.ID, mw.Type, mw.Package)
			}
		}
	}
	return nil
}

func unknownPackageError(nodeID, nodeType string, pkg types.PackageRef) error {
	return apierr.InvalidWorkflow(fmt.Sprintf("node %q: no known package implements type %q (package %s@%s)", nodeID, nodeType, pkg.Name, pkg.Version))
}
