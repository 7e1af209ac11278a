// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package kb

import (
	"bufio"
	"fmt"
	"io"
	"net/textproto"
	"strings"

	"github.com/omnipkg/omnipkg/pkg/python"
)

// ParsedMetadata is the subset of a PKG-INFO/METADATA file this package
// cares about, with Requires-Dist collected as a repeated header the way
// net/textproto.MIMEHeader naturally represents it.
type ParsedMetadata struct {
	Name            string
	Version         string
	Summary         string
	Author          string
	License         string
	HomePage        string
	RequiresPython  string
	RequiresDist    []string
}

// ParseMetadata reads a PEP 345/566-style METADATA or PKG-INFO file. It
// leans on net/textproto.Reader.ReadMIMEHeader for the "Key: value" header
// block, padding the input with trailing CRLFs
// so a metadata file with no body (or no trailing newline) still parses.
func ParseMetadata(r io.Reader) (ParsedMetadata, error) {
	kvReader := textproto.NewReader(bufio.NewReader(io.MultiReader(
		r,
		strings.NewReader("\r\n\r\n\r\n"),
	)))
	hdr, err := kvReader.ReadMIMEHeader()
	if err != nil && len(hdr) == 0 {
		return ParsedMetadata{}, fmt.Errorf("kb: parsing METADATA: %w", err)
	}
	return ParsedMetadata{
		Name:           hdr.Get("Name"),
		Version:        hdr.Get("Version"),
		Summary:        hdr.Get("Summary"),
		Author:         hdr.Get("Author"),
		License:        hdr.Get("License"),
		HomePage:       hdr.Get("Home-page"),
		RequiresPython: hdr.Get("Requires-Python"),
		RequiresDist:   hdr["Requires-Dist"],
	}, nil
}

// RequiresFromSetupCfg is the "Requires-Dist absent" degradation path of
// spec.md §4.4: legacy distributions that predate PEP 508 "Requires-Dist"
// sometimes only declare their dependencies in setup.cfg's
// "[options] install_requires" list. It's read with python.ConfigParser.
func RequiresFromSetupCfg(r io.Reader) ([]string, error) {
	cp := python.NewConfigParser()
	cp.Interpolate = python.NoInterpolation
	cfg, err := cp.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("kb: parsing setup.cfg: %w", err)
	}
	section, ok := cfg["options"]
	if !ok {
		return nil, nil
	}
	raw, ok := section["install_requires"]
	if !ok {
		return nil, nil
	}
	var reqs []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		reqs = append(reqs, line)
	}
	return reqs, nil
}

// EffectiveRequires returns parsed.RequiresDist if non-empty, otherwise
// falls back to fallback (typically the result of RequiresFromSetupCfg),
// matching the degradation order spec.md §4.4 describes.
func EffectiveRequires(parsed ParsedMetadata, fallback []string) []string {
	if len(parsed.RequiresDist) > 0 {
		return parsed.RequiresDist
	}
	return fallback
}
