package tasks

// resolveShellProgram picks the program+args to run a shell command line,
// falling back bash -> $SHELL -> /bin/sh, matching the teacher's and the
// original implementation's resolve_shell_program (tasks/mod.rs).
func resolveShellProgram(getenv func(string) string, lookPath func(string) (string, error), command string) (string, []string) {
	shell := "bash"
	if _, err := lookPath(shell); err != nil {
		shell = getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
	}
	return shell, []string{"-c", command}
}
