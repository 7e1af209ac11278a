// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package worker implements the Worker Fallback (C7a): a long-lived child
// process with a bubble activated at startup, driven over a stdio protocol
// of JSON messages, each framed by an 8-byte big-endian length prefix. It's the escape hatch for the
// "PyTorch exception" of spec.md §4.7: once a native backend like that is
// loaded in-process, version switching is impossible, so the Activation
// Loader instead forwards Execute calls to one of these.
//
// Framing and the pipe-based parent/child relationship mirror
// pkg/dockerutil.WithImage's use of dexec.Cmd's StdinPipe/StdoutPipe.
package worker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Request is one message sent to the worker over stdin.
type Request struct {
	Type       string          `json:"type,omitempty"` // "execute" | "shutdown"; empty on the initial setup message
	PackageSpec string         `json:"package_spec,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	Code       string          `json:"code,omitempty"`
	ShmIn      json.RawMessage `json:"shm_in,omitempty"`
	ShmOut     json.RawMessage `json:"shm_out,omitempty"`
}

// Response is one message read back from the worker over stdout.
type Response struct {
	Status string `json:"status"` // "READY" | "FATAL" | "COMPLETED" | "ERROR"
	TaskID string `json:"task_id,omitempty"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
	Error  string `json:"error,omitempty"`
}

// WriteFrame writes an 8-byte big-endian length prefix followed by v's JSON
// encoding (spec.md §6 "Worker protocol").
func WriteFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("worker: encoding frame: %w", err)
	}
	var lenPrefix [8]byte
	binary.BigEndian.PutUint64(lenPrefix[:], uint64(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("worker: writing frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("worker: writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame in to v.
func ReadFrame(r io.Reader, v any) error {
	var lenPrefix [8]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return fmt.Errorf("worker: reading frame length: %w", err)
	}
	n := binary.BigEndian.Uint64(lenPrefix[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("worker: reading frame body: %w", err)
	}
	return json.Unmarshal(body, v)
}
