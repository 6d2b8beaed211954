package tasks

import (
	"errors"
	"os"
	"os/exec"

	"github.com/ripdev/ripd/internal/workspace"
)

func osGetenv(key string) string { return os.Getenv(key) }

func workspaceResolve(root, rel string) (string, error) { return workspace.Resolve(root, rel) }

func applyEnv(cmd *exec.Cmd, extra map[string]string) {
	if len(extra) == 0 {
		return
	}
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
}

func asExitError(err error, target **exec.ExitError) bool {
	return errors.As(err, target)
}
