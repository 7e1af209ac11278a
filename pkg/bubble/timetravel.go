// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package bubble implements the Bubble Builder (C5): time-travel dependency
// resolution, a staged install in a throwaway directory, sterile-subprocess
// verification, and deduplicated promotion into a bubble directory.
package bubble

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/omnipkg/omnipkg/pkg/python/pep440"
)

// ReleaseIndex answers the two upstream-index questions the time-travel
// algorithm needs: when a specific release went out, and what the newest
// release on-or-before a cutoff date is. The HTML "Simple Repository API"
// (PEP 503) carries no upload timestamps; this interface is satisfied by
// PyPIIndex, which talks to PyPI's legacy per-release JSON endpoint instead.
type ReleaseIndex interface {
	// ReleaseDate returns when name==version was uploaded.
	ReleaseDate(ctx context.Context, name, version string) (time.Time, error)
	// VersionsReleasedBefore returns every known version of name whose
	// release date is at or before cutoff.
	VersionsReleasedBefore(ctx context.Context, name string, cutoff time.Time) ([]string, error)
}

// PyPIIndex implements ReleaseIndex against PyPI's JSON API
// (https://pypi.org/pypi/<name>/<version>/json and .../<name>/json), which
// — unlike the Simple Repository API — reports each
// file's "upload_time_iso_8601". There's no corpus library for this; it's a
// small, narrowly-scoped net/http client, justified in DESIGN.md.
type PyPIIndex struct {
	BaseURL    string
	HTTPClient *http.Client
}

func (idx *PyPIIndex) fillDefaults() {
	if idx.BaseURL == "" {
		idx.BaseURL = "https://pypi.org/pypi"
	}
	if idx.HTTPClient == nil {
		idx.HTTPClient = http.DefaultClient
	}
}

type pypiURLInfo struct {
	UploadTimeISO8601 string `json:"upload_time_iso_8601"`
}

type pypiReleaseResponse struct {
	URLs []pypiURLInfo `json:"urls"`
}

type pypiProjectResponse struct {
	Releases map[string][]pypiURLInfo `json:"releases"`
}

func (idx *PyPIIndex) getJSON(ctx context.Context, path string, out any) error {
	idx.fillDefaults()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, idx.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := idx.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: HTTP %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ReleaseDate implements ReleaseIndex.
func (idx *PyPIIndex) ReleaseDate(ctx context.Context, name, version string) (time.Time, error) {
	var resp pypiReleaseResponse
	path := fmt.Sprintf("/%s/%s/json", url.PathEscape(name), url.PathEscape(version))
	if err := idx.getJSON(ctx, path, &resp); err != nil {
		return time.Time{}, fmt.Errorf("bubble: looking up release date for %s==%s: %w", name, version, err)
	}
	return earliestUpload(resp.URLs)
}

// VersionsReleasedBefore implements ReleaseIndex.
func (idx *PyPIIndex) VersionsReleasedBefore(ctx context.Context, name string, cutoff time.Time) ([]string, error) {
	var resp pypiProjectResponse
	path := fmt.Sprintf("/%s/json", url.PathEscape(name))
	if err := idx.getJSON(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("bubble: listing releases of %s: %w", name, err)
	}

	var eligible []string
	for version, urls := range resp.Releases {
		if len(urls) == 0 {
			continue // no files uploaded for this version, e.g. a yanked/removed release
		}
		uploaded, err := earliestUpload(urls)
		if err != nil {
			continue
		}
		if !uploaded.After(cutoff) {
			eligible = append(eligible, version)
		}
	}
	return eligible, nil
}

func earliestUpload(urls []pypiURLInfo) (time.Time, error) {
	if len(urls) == 0 {
		return time.Time{}, fmt.Errorf("no files uploaded")
	}
	earliest := time.Time{}
	for i, u := range urls {
		t, err := time.Parse(time.RFC3339, u.UploadTimeISO8601)
		if err != nil {
			continue
		}
		if i == 0 || t.Before(earliest) {
			earliest = t
		}
	}
	if earliest.IsZero() {
		return time.Time{}, fmt.Errorf("no parseable upload_time_iso_8601")
	}
	return earliest, nil
}

// SelectHistorical picks, by PEP 440 ordering, the latest of candidateVersions
// that isn't excluded, implementing time-travel step 3: "the latest version
// released at or before the target's release date."
func SelectHistorical(candidateVersions []string) (string, error) {
	var parsed []pep440.Version
	byString := make(map[string]string, len(candidateVersions))
	for _, v := range candidateVersions {
		ver, err := pep440.ParseVersion(v)
		if err != nil {
			continue
		}
		parsed = append(parsed, *ver)
		byString[ver.String()] = v
	}
	if len(parsed) == 0 {
		return "", fmt.Errorf("bubble: no parseable candidate versions")
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].Cmp(parsed[j]) < 0 })
	best := parsed[len(parsed)-1]
	return byString[best.String()], nil
}
