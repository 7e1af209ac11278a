// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package bubble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"
)

// ImportGroups names packages that must be smoke-imported together because
// one implicitly initializes native state the other depends on (spec.md
// §4.5 "Verification": "tensorboard must be tested with tensorflow").
//
//nolint:gochecknoglobals // a fixed table, same shape as store.NativeSuffixes
var ImportGroups = map[string][]string{
	"tensorboard": {"tensorflow", "tensorboard"},
}

// importOrder returns the import names that must be smoke-tested alongside
// primary, primary itself always last so its failure is unambiguous.
func importOrder(primary string, allImportNames []string) []string {
	if group, ok := ImportGroups[primary]; ok {
		ordered := make([]string, 0, len(group))
		for _, name := range group {
			if name != primary && containsName(allImportNames, name) {
				ordered = append(ordered, name)
			}
		}
		ordered = append(ordered, primary)
		return ordered
	}
	return []string{primary}
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// VerificationResult is the outcome of a sterile-subprocess smoke import
// pass: the primary's failure discards the whole bubble, a dependency's
// failure is only a warning (spec.md §4.5, §7).
type VerificationResult struct {
	PrimaryOK bool
	Warnings  []string
}

// Verify smoke-imports primaryImportName (and any grouped co-dependencies
// from allImportNames) in a sterile subprocess whose sys.path is exactly
// stagingPath, the already-built bubblePaths, and essentialHostPaths —
// deliberately excluding the parent's own already-loaded modules, by running
// the smoke-import script in a separate "-c" subprocess.
func Verify(ctx context.Context, pythonExe, primaryImportName string, allImportNames []string, stagingPath string, bubblePaths, essentialHostPaths []string) (VerificationResult, error) {
	pathEntries := append([]string{stagingPath}, bubblePaths...)
	pathEntries = append(pathEntries, essentialHostPaths...)

	order := importOrder(primaryImportName, allImportNames)

	script := buildVerifyScript(order)
	cmd := dexec.CommandContext(ctx, pythonExe, "-c", script)
	cmd.DisableLogging = true
	cmd.Env = append(os.Environ(), "PYTHONPATH="+strings.Join(pathEntries, string(os.PathListSeparator)))

	out, err := cmd.Output()
	if err != nil {
		var exitErr *dexec.ExitError
		if errors.As(err, &exitErr) {
			return VerificationResult{}, fmt.Errorf("bubble: verification subprocess failed: %w:\n > %s", err,
				strings.Join(strings.Split(string(exitErr.Stderr), "\n"), "\n > "))
		}
		return VerificationResult{}, fmt.Errorf("bubble: running verification subprocess: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	result := VerificationResult{PrimaryOK: true}
	for _, line := range lines {
		name, status, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if status != "OK" {
			if name == primaryImportName {
				result.PrimaryOK = false
			} else {
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", name, status))
				dlog.Warnf(ctx, "bubble: verification: dependency import %q failed (non-fatal): %s", name, status)
			}
		}
	}
	return result, nil
}

func buildVerifyScript(order []string) string {
	var b strings.Builder
	b.WriteString("import importlib\n")
	for _, name := range order {
		fmt.Fprintf(&b, "try:\n    importlib.import_module(%q)\n    print(%q + \"=OK\")\n", name, name)
		fmt.Fprintf(&b, "except Exception as e:\n    print(%q + \"=\" + str(e).replace(\"\\n\", \" \"))\n", name)
	}
	return b.String()
}
