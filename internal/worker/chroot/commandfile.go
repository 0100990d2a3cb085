package chroot

import (
	"fmt"
	"os"
	"strings"

	appErr "isoforge/pkg/errors"
)

// WriteCommandFile materializes a command script as a host file scoped to
// one job. The returned cleanup removes the file and must be deferred by
// the caller. The name carries the job id plus a random suffix so another
// process cannot pre-place or clobber the script in the shared temp dir;
// the sandbox copy uses the same path.
func WriteCommandFile(jobID string, commands []string) (string, func(), error) {
	if jobID == "" {
		return "", nil, appErr.ValidationError("job_id", "required")
	}
	if len(commands) == 0 {
		return "", nil, appErr.ValidationError("commands", "required")
	}

	f, err := os.CreateTemp("", fmt.Sprintf("build-%s-*.sh", jobID))
	if err != nil {
		return "", nil, appErr.Wrapf(err, appErr.ScriptWriteFailed, "create command file failed")
	}
	path := f.Name()
	cleanup := func() {
		_ = os.Remove(path)
	}

	content := "#!/bin/sh\n" + strings.Join(commands, "\n") + "\n"
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		cleanup()
		return "", nil, appErr.Wrapf(err, appErr.ScriptWriteFailed, "write command file failed")
	}
	if err := f.Chmod(0755); err != nil {
		f.Close()
		cleanup()
		return "", nil, appErr.Wrapf(err, appErr.ScriptWriteFailed, "chmod command file failed")
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, appErr.Wrapf(err, appErr.ScriptWriteFailed, "close command file failed")
	}
	return path, cleanup, nil
}
