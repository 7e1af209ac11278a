// Copyright (C) 2024  omnipkg contributors
//
// SPDX-License-Identifier: Apache-2.0

package activate

import (
	"bytes"
	"context"
	"os"

	"github.com/datawire/dlib/dexec"
)

// subprocessExecute runs code as a one-shot Python subprocess using plan's
// environment, the in-process default for Session.Execute.
func subprocessExecute(ctx context.Context, pythonExe string, plan PathPlan, code string) (stdout, stderr string, err error) {
	cmd := dexec.CommandContext(ctx, pythonExe, "-c", code)
	cmd.Env = plan.Environ(os.Environ())

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	return outBuf.String(), errBuf.String(), runErr
}
