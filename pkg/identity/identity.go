// Copyright (C) 2020-2022  Ambassador Labs
// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package identity defines the Package Identity used throughout omnipkg: a
// (canonical_name, version) pair, ordered per PEP 440.
package identity

import (
	"fmt"
	"strings"

	"github.com/omnipkg/omnipkg/pkg/python/pep440"
)

// Canonicalize normalizes a distribution name the way PyPI does: surrounding
// whitespace trimmed, lowercase, with runs of "-", "_", and "." collapsed to
// a single hyphen.
//
// https://packaging.python.org/en/latest/specifications/name-normalization/
func Canonicalize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastWasSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if r == '-' || r == '_' || r == '.' {
			if !lastWasSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			lastWasSep = true
			continue
		}
		b.WriteRune(r)
		lastWasSep = false
	}
	return strings.Trim(b.String(), "-")
}

// ID is a Package Identity: a canonical distribution name paired with a
// specific version. Two IDs are equal iff both fields match exactly;
// ordering between two IDs of the same name follows PEP 440.
type ID struct {
	Name    string // already canonicalized
	Version pep440.Version
}

// New canonicalizes name and parses version, producing an ID.
func New(name, version string) (ID, error) {
	ver, err := pep440.ParseVersion(version)
	if err != nil {
		return ID{}, fmt.Errorf("identity: invalid version for %q: %w", name, err)
	}
	return ID{Name: Canonicalize(name), Version: *ver}, nil
}

// String renders the ID the way a bubble directory is named:
// "<name>-<version>".
func (id ID) String() string {
	return id.Name + "-" + id.Version.String()
}

// BubbleDirName is the directory name this identity's bubble must have.
func (id ID) BubbleDirName() string {
	return id.String()
}

// Equal reports whether two identities name the same package at the same
// version (exact field equality, not just PEP 440 numeric equivalence).
func (id ID) Equal(other ID) bool {
	return id.Name == other.Name && id.Version.String() == other.Version.String()
}

// ParseSpec parses a "name==version" specifier in to an ID, the form used at the
// Activation Loader's public boundary (spec: activate("name==version")).
func ParseSpec(spec string) (ID, error) {
	name, version, ok := strings.Cut(spec, "==")
	if !ok {
		return ID{}, fmt.Errorf("identity: malformed spec %q: want \"name==version\"", spec)
	}
	return New(strings.TrimSpace(name), strings.TrimSpace(version))
}
