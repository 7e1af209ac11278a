// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package kb

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"
)

// Health verdicts recorded per (package, version) by a security scan.
const (
	HealthUnknown    = ""
	HealthClean      = "clean"
	HealthVulnerable = "vulnerable"
)

// ScannerActivator force-activates the bubble holding the vulnerability
// scanner and returns the absolute path to its console-script entry point
// (spec.md §4.4 "Security scan"). kb depends only on this narrow interface
// so it never imports the activation package directly (activate already
// depends on kb for the index, and Go forbids the cycle). No type in this
// repository implements it.
type ScannerActivator interface {
	ActivateScanner(ctx context.Context) (scannerExe string, release func(), err error)
}

// Vulnerability is one finding from the scanner's output.
type Vulnerability struct {
	Name       string
	Version    string
	AdvisoryID string
	Severity   string
}

// ScanActivePackages lists every active (non-bubbled) package at its
// installed version into a requirements file, scans it with the bubbled
// vulnerability tool, and records a health verdict per (package, version)
// into k.
func (k *KB) ScanActivePackages(ctx context.Context, activator ScannerActivator, active map[string]string) ([]Vulnerability, error) {
	reqFile, err := os.CreateTemp("", "omnipkg-scan-*.txt")
	if err != nil {
		return nil, fmt.Errorf("kb: creating scan requirements file: %w", err)
	}
	defer os.Remove(reqFile.Name())

	w := bufio.NewWriter(reqFile)
	for name, version := range active {
		fmt.Fprintf(w, "%s==%s\n", name, version)
	}
	if err := w.Flush(); err != nil {
		reqFile.Close()
		return nil, fmt.Errorf("kb: writing scan requirements file: %w", err)
	}
	if err := reqFile.Close(); err != nil {
		return nil, fmt.Errorf("kb: closing scan requirements file: %w", err)
	}

	scannerExe, release, err := activator.ActivateScanner(ctx)
	if err != nil {
		return nil, fmt.Errorf("kb: activating vulnerability scanner bubble: %w", err)
	}
	defer release()

	cmd := dexec.CommandContext(ctx, scannerExe, "check", "--file", reqFile.Name(), "--output", "json")
	out, err := cmd.Output()
	if err != nil {
		dlog.Warnf(ctx, "kb: vulnerability scan failed, marking all scanned packages unknown: %v", err)
		for name, version := range active {
			_ = k.SetHealth(name, version, HealthUnknown)
		}
		return nil, nil
	}

	vulns := parseScanOutput(string(out))
	flagged := make(map[string]bool, len(vulns))
	for _, v := range vulns {
		flagged[v.Name+":"+v.Version] = true
	}
	for name, version := range active {
		health := HealthClean
		if flagged[name+":"+version] {
			health = HealthVulnerable
		}
		if err := k.SetHealth(name, version, health); err != nil {
			return vulns, fmt.Errorf("kb: recording health for %s %s: %w", name, version, err)
		}
	}
	return vulns, nil
}

// parseScanOutput parses a "name version advisory severity" tabular report:
// one finding per line of exactly four whitespace-separated fields. Lines of
// any other shape, including JSON, are skipped.
func parseScanOutput(out string) []Vulnerability {
	var vulns []Vulnerability
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 4 {
			continue
		}
		vulns = append(vulns, Vulnerability{
			Name:       fields[0],
			Version:    fields[1],
			AdvisoryID: fields[2],
			Severity:   fields[3],
		})
	}
	return vulns
}
