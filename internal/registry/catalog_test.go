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
	"context"
	"testing"

	"github.com/flowmesh/control-plane/internal/types"
)

func TestMemoryCatalogResolvePinnedVersion(t *testing.T) {
	c := NewMemoryCatalog([]CatalogEntry{
		{NodeType: "http_request", Package: "core/http", Versions: []string{"1.0.0", "1.1.0"}},
	})

	if !c.Resolve("http_request", types.PackageRef{Name: "core/http", Version: "1.0.0"}) {
		t.Error("expected pinned version 1.0.0 to resolve")
	}
	if c.Resolve("http_request", types.PackageRef{Name: "core/http", Version: "2.0.0"}) {
		t.Error("did not expect unpinned version 2.0.0 to resolve")
	}
	if c.Resolve("http_request", types.PackageRef{Name: "core/other", Version: "1.0.0"}) {
		t.Error("did not expect a different package name to resolve")
	}
}

func TestMemoryCatalogResolveUnpinnedAnyVersion(t *testing.T) {
	c := NewMemoryCatalog([]CatalogEntry{
		{NodeType: "transform", Package: "core/transform"},
	})

	if !c.Resolve("transform", types.PackageRef{Name: "core/transform", Version: "9.9.9"}) {
		t.Error("expected an unpinned catalogue entry to match any version")
	}
	if !c.Resolve("transform", types.PackageRef{Name: "core/transform"}) {
		t.Error("expected an unpinned catalogue entry to match an empty version")
	}
}

func TestMemoryCatalogResolveEmptyVersionRequestsAnyRegisteredVersion(t *testing.T) {
	c := NewMemoryCatalog([]CatalogEntry{
		{NodeType: "http_request", Package: "core/http", Versions: []string{"1.0.0"}},
	})

	if !c.Resolve("http_request", types.PackageRef{Name: "core/http"}) {
		t.Error("expected an empty requested version to match any registered version")
	}
}

func TestMemoryCatalogAdd(t *testing.T) {
	c := NewMemoryCatalog(nil)
	if c.Resolve("transform", types.PackageRef{Name: "core/transform", Version: "1.0.0"}) {
		t.Fatal("expected empty catalogue to resolve nothing")
	}

	c.Add(CatalogEntry{NodeType: "transform", Package: "core/transform", Versions: []string{"1.0.0"}})
	if !c.Resolve("transform", types.PackageRef{Name: "core/transform", Version: "1.0.0"}) {
		t.Error("expected newly added entry to resolve")
	}
}

func TestValidatePackagesNilCatalogSkipsCheck(t *testing.T) {
	snap := linearTwoNodeWorkflow()
	if err := validatePackages(nil, &snap); err != nil {
		t.Errorf("expected nil catalog to skip validation, got %v", err)
	}
}

func TestValidatePackagesRejectsUnknownPackage(t *testing.T) {
	snap := linearTwoNodeWorkflow()
	snap.Nodes[0].Package = types.PackageRef{Name: "core/http", Version: "1.0.0"}

	c := NewMemoryCatalog(nil)
	err := validatePackages(c, &snap)
	if err == nil {
		t.Fatal("expected an error for an unregistered package")
	}
}

func TestValidatePackagesAcceptsRegisteredPackage(t *testing.T) {
	snap := linearTwoNodeWorkflow()
	snap.Nodes[0].Type = "http_request"
	snap.Nodes[0].Package = types.PackageRef{Name: "core/http", Version: "1.0.0"}
	snap.Nodes[1].Type = "transform"
	snap.Nodes[1].Package = types.PackageRef{Name: "core/transform", Version: "1.0.0"}

	c := NewMemoryCatalog([]CatalogEntry{
		{NodeType: "http_request", Package: "core/http", Versions: []string{"1.0.0"}},
		{NodeType: "transform", Package: "core/transform", Versions: []string{"1.0.0"}},
	})

	if err := validatePackages(c, &snap); err != nil {
		t.Errorf("expected registered packages to validate, got %v", err)
	}
}

func TestValidatePackagesChecksMiddlewares(t *testing.T) {
	snap := middlewareChainWorkflow()
	snap.Nodes[0].Middlewares[0].Package = types.PackageRef{Name: "core/auth", Version: "1.0.0"}

	c := NewMemoryCatalog([]CatalogEntry{
		{NodeType: "http_request", Package: ""},
	})

	err := validatePackages(c, &snap)
	if err == nil {
		t.Fatal("expected an error for the unregistered middleware package")
	}
}

func TestCreateRunRejectsUnregisteredPackage(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	r.SetPackageCatalog(NewMemoryCatalog([]CatalogEntry{
		{NodeType: "transform", Package: "core/transform"},
	}))

	snap := linearTwoNodeWorkflow()
	snap.Nodes[0].Package = types.PackageRef{Name: "core/http", Version: "1.0.0"}

	_, err := r.CreateRun(ctx, CreateRunRequest{
		RunID:    "run-catalog",
		Tenant:   "tenant-a",
		Workflow: snap,
	})
	if err == nil {
		t.Fatal("expected CreateRun to reject an unregistered package")
	}
}

func TestCreateRunWithoutCatalogSkipsPackageValidation(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	snap := linearTwoNodeWorkflow()
	snap.Nodes[0].Package = types.PackageRef{Name: "unregistered/pkg", Version: "1.0.0"}

	if _, err := r.CreateRun(ctx, CreateRunRequest{
		RunID:    "run-no-catalog",
		Tenant:   "tenant-a",
		Workflow: snap,
	}); err != nil {
		t.Errorf("expected no package validation without a configured catalog, got %v", err)
	}
}
