// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package pyctx defines the Environment Context that scopes every Knowledge
// Base key and every registry document: the pair (env_id, python_version).
package pyctx

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
)

// Context is (env_id, python_version). One interpreter never reads another
// context's index: every KB key and registry document this package's
// siblings touch is namespaced by Context.String().
type Context struct {
	// EnvID is a stable hash of the interpreter root (site-packages path).
	EnvID string
	// PythonVersion is "major.minor", e.g. "3.11".
	PythonVersion string
}

// New derives a Context from an interpreter's site-packages path and its
// "major.minor" version string.
func New(sitePackages, pythonVersion string) Context {
	abs, err := filepath.Abs(sitePackages)
	if err != nil {
		abs = sitePackages
	}
	sum := sha256.Sum256([]byte(filepath.Clean(abs)))
	return Context{
		EnvID:         hex.EncodeToString(sum[:])[:16],
		PythonVersion: pythonVersion,
	}
}

// String renders the context as it appears in the KB key grammar:
// "env_<env_id>:py<major.minor>".
func (c Context) String() string {
	return fmt.Sprintf("env_%s:py%s", c.EnvID, c.PythonVersion)
}
