// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package export implements the Bubble Archive (A2): packing a built bubble
// directory into a single-layer OCI image for caching or sharing, and
// unpacking one back into a bubble directory. It is additive to C1–C8 —
// nothing in the core depends on it — and gives the corpus's container
// libraries (dir, squash, dockerutil, go-containerregistry) a home that
// actually exercises them against this domain's own artifacts.
package export

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/name"
	ociv1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"

	"github.com/omnipkg/omnipkg/pkg/dir"
	"github.com/omnipkg/omnipkg/pkg/dockerutil"
	"github.com/omnipkg/omnipkg/pkg/identity"
	"github.com/omnipkg/omnipkg/pkg/reproducible"
	"github.com/omnipkg/omnipkg/pkg/squash"
)

// bubblePrefix is the fixed tar root every exported layer uses. It must be
// fixed (not "<name>-<version>") so that ExportIncremental's squash actually
// overlays files at the same path instead of leaving two unrelated
// directory trees side by side; which bubble a layer belongs to is the
// image tag's job, not the tar layout's.
const bubblePrefix = "bubble"

// Export builds a single layer from a bubble directory, its tar entries
// rooted under bubblePrefix.
func Export(bubbleDir string) (ociv1.Layer, error) {
	return dir.LayerFromDir(bubbleDir, &dir.Prefix{DirName: bubblePrefix}, nil, reproducible.Now())
}

// ExportIncremental folds a newly built bubble on top of a previously
// exported layer of an earlier version of the same package, so a bubble
// that only changed a handful of files ships a small delta instead of a
// full copy.
func ExportIncremental(oldLayer ociv1.Layer, newBubbleDir string) (ociv1.Layer, error) {
	newLayer, err := Export(newBubbleDir)
	if err != nil {
		return nil, fmt.Errorf("export: building layer for %s: %w", newBubbleDir, err)
	}
	squashed, err := squash.Squash([]ociv1.Layer{oldLayer, newLayer})
	if err != nil {
		return nil, fmt.Errorf("export: squashing incremental layer: %w", err)
	}
	return squashed, nil
}

// Import reverses Export: it reads layer's tar stream and materializes every
// entry under destDir, stripping the leading bubblePrefix component Export
// added.
func Import(layer ociv1.Layer, destDir string) error {
	rc, err := layer.Uncompressed()
	if err != nil {
		return fmt.Errorf("export: opening layer stream: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("export: reading tar entry: %w", err)
		}

		rel := stripFirstComponent(hdr.Name)
		if rel == "" {
			continue
		}
		target := filepath.Join(destDir, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			linkTarget := filepath.Join(destDir, stripFirstComponent(hdr.Linkname))
			if err := os.Link(linkTarget, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func stripFirstComponent(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return ""
}

// LoadIntoDocker tags layer as a standalone image and loads it into the
// local Docker daemon for ad-hoc inspection (e.g. `docker run --rm -it
// <tag> find /bubble`), the same dockerutil.WithImage idiom the teacher uses
// for its own built layers.
func LoadIntoDocker(ctx context.Context, id identity.ID, layer ociv1.Layer, fn func(context.Context, name.Tag) error) error {
	img, err := mutate.AppendLayers(empty.Image, layer)
	if err != nil {
		return fmt.Errorf("export: building image from layer: %w", err)
	}
	return dockerutil.WithImage(ctx, "omnipkg-bubble-"+id.String(), img, fn)
}
