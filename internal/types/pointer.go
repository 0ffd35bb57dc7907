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

package types

import (
	"errors"
	"strconv"
	"strings"
)

// ErrPathNotFound is returned by ResolvePath when an intermediate or
// leaf segment is absent. Callers on the edge-binding read side treat
// this as "not ready yet", not as a hard error.
var ErrPathNotFound = errors.New("types: path not found")

// ErrPathRoot is returned when a binding path is not rooted at the
// expected prefix ("/results" or "/parameters").
var ErrPathRoot = errors.New("types: path is not rooted at the expected prefix")

const (
	resultsRoot    = "/results"
	parametersRoot = "/parameters"
)

// ValidateRootedPath checks that path is "/results" or "/parameters", as
// appropriate for the given binding mode, or lies beneath it, per the
// snapshot-validation invariant.
func ValidateRootedPath(path string, mode BindingMode) error {
	var want string
	switch mode {
	case BindingRead:
		want = resultsRoot
	case BindingWrite:
		want = parametersRoot
	default:
		return ErrPathRoot
	}
	if path != want && !strings.HasPrefix(path, want+"/") {
		return ErrPathRoot
	}
	return nil
}

// splitPath turns "/results/a/b/0/c" into ["results","a","b","0","c"].
// A leading slash is required; trailing slashes and empty segments are
// rejected.
func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, errors.New("types: path must start with '/'")
	}
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for _, s := range segs {
		if s == "" {
			return nil, errors.New("types: path contains an empty segment")
		}
	}
	return segs, nil
}

// ResolvePath reads the value at path (e.g. "/results/value") out of a
// root object, treating the first segment as a key into root. Returns
// ErrPathNotFound if any segment along the way is absent. Numeric
// segments index into slices.
func ResolvePath(root map[string]any, path string) (any, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, ErrPathNotFound
	}
	// First segment is the logical root name ("results"/"parameters");
	// the caller already selected the right map, so skip it.
	segs = segs[1:]
	var cur any = root
	for _, seg := range segs {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, ErrPathNotFound
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, ErrPathNotFound
			}
			cur = v[idx]
		default:
			return nil, ErrPathNotFound
		}
	}
	return cur, nil
}

// WritePath writes value at path into root, creating intermediate
// map[string]any objects as needed. Numeric segments are written as
// object keys: WritePath never creates or extends a []any slice, and
// writing through an existing slice returns an error. The first path
// segment (the logical root name) is skipped, mirroring ResolvePath.
func WritePath(root map[string]any, path string, value any) error {
	segs, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(segs) <= 1 {
		return errors.New("types: path must address a field beneath its root")
	}
	segs = segs[1:]
	return writeSegments(root, segs, value)
}

func writeSegments(cur map[string]any, segs []string, value any) error {
	seg := segs[0]
	if len(segs) == 1 {
		cur[seg] = value
		return nil
	}
	next, ok := cur[seg]
	if !ok {
		child := make(map[string]any)
		cur[seg] = child
		return writeSegments(child, segs[1:], value)
	}
	child, ok := next.(map[string]any)
	if !ok {
		return errors.New("types: cannot write through a non-object intermediate segment")
	}
	return writeSegments(child, segs[1:], value)
}
