// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package worker_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnipkg/omnipkg/pkg/worker"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer

	req := worker.Request{Type: "execute", TaskID: "task-1", Code: "print(1)"}
	require.NoError(t, worker.WriteFrame(&buf, req))

	var got worker.Request
	require.NoError(t, worker.ReadFrame(&buf, &got))
	assert.Equal(t, req, got)
}

func TestWriteFrameLengthPrefixIsBigEndianEightBytes(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, worker.WriteFrame(&buf, worker.Response{Status: "READY"}))

	body := []byte(`{"status":"READY"}`)
	header := buf.Bytes()[:8]

	var n uint64
	for _, b := range header {
		n = n<<8 | uint64(b)
	}
	assert.Equal(t, uint64(len(body)), n)
}

func TestReadFrameErrorsOnTruncatedHeader(t *testing.T) {
	t.Parallel()
	buf := bytes.NewBuffer([]byte{0, 0, 0})

	var resp worker.Response
	err := worker.ReadFrame(buf, &resp)
	assert.Error(t, err)
}

func TestMultipleFramesOnOneStreamDecodeInOrder(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, worker.WriteFrame(&buf, worker.Response{Status: "READY"}))
	require.NoError(t, worker.WriteFrame(&buf, worker.Response{Status: "COMPLETED", TaskID: "task-1"}))

	var first, second worker.Response
	require.NoError(t, worker.ReadFrame(&buf, &first))
	require.NoError(t, worker.ReadFrame(&buf, &second))

	assert.Equal(t, "READY", first.Status)
	assert.Equal(t, "COMPLETED", second.Status)
	assert.Equal(t, "task-1", second.TaskID)
}
