package toolsrt

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ripdev/ripd/internal/workspace"
)

// RegisterBuiltins wires read/write/apply_patch/ls/grep/bash into the
// registry, rooted at workspaceRoot and enforcing containment (spec §4.3:
// "no absolute paths, no .. components").
func RegisterBuiltins(r *Registry, workspaceRoot string, maxOutputBytes int) {
	if maxOutputBytes <= 0 {
		maxOutputBytes = 64 * 1024
	}

	r.Register(ToolDef{
		Name:        "read",
		Description: "Read the contents of a workspace file",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
			"required":   []string{"path"},
		},
	}, readHandler(workspaceRoot))

	r.Register(ToolDef{
		Name:        "write",
		Description: "Write content to a workspace file, creating or overwriting it",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path":    map[string]interface{}{"type": "string"},
				"content": map[string]interface{}{"type": "string"},
			},
			"required": []string{"path", "content"},
		},
	}, writeHandler(workspaceRoot))

	r.Register(ToolDef{
		Name:        "apply_patch",
		Description: "Apply a multi-file patch envelope to the workspace",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"patch": map[string]interface{}{"type": "string"}},
			"required":   []string{"patch"},
		},
	}, applyPatchHandler(workspaceRoot))

	r.Register(ToolDef{
		Name:        "ls",
		Description: "List the contents of a workspace directory",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
		},
	}, lsHandler(workspaceRoot))

	r.Register(ToolDef{
		Name:        "grep",
		Description: "Search workspace files for a pattern",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"pattern": map[string]interface{}{"type": "string"},
				"path":    map[string]interface{}{"type": "string"},
			},
			"required": []string{"pattern"},
		},
	}, grepHandler(workspaceRoot))

	r.Register(ToolDef{
		Name:        "bash",
		Description: "Run a shell command in the workspace",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"command": map[string]interface{}{"type": "string"}},
			"required":   []string{"command"},
		},
	}, bashHandler(workspaceRoot, maxOutputBytes))
}

func containedPath(workspaceRoot, rel string) (string, error) {
	if rel == "" {
		return "", errors.New("toolsrt: path is required")
	}
	if filepath.IsAbs(rel) {
		return "", errors.New("toolsrt: absolute paths are not allowed")
	}
	clean := filepath.ToSlash(filepath.Clean(rel))
	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return "", errors.New("toolsrt: path must not contain ..")
		}
	}
	return filepath.Join(workspaceRoot, filepath.FromSlash(clean)), nil
}

func readHandler(root string) Handler {
	return func(ctx context.Context, inv Invocation) (ToolOutput, error) {
		path, _ := inv.Args["path"].(string)
		abs, err := containedPath(root, path)
		if err != nil {
			return ToolOutput{}, err
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return ToolOutput{}, fmt.Errorf("toolsrt: read %s: %w", path, err)
		}
		return ToolOutput{Stdout: []string{string(data)}, ExitCode: 0}, nil
	}
}

func writeHandler(root string) Handler {
	return func(ctx context.Context, inv Invocation) (ToolOutput, error) {
		path, _ := inv.Args["path"].(string)
		content, _ := inv.Args["content"].(string)
		abs, err := containedPath(root, path)
		if err != nil {
			return ToolOutput{}, err
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return ToolOutput{}, err
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return ToolOutput{}, fmt.Errorf("toolsrt: write %s: %w", path, err)
		}
		return ToolOutput{Stdout: []string{fmt.Sprintf("wrote %d bytes to %s", len(content), path)}, ExitCode: 0}, nil
	}
}

func applyPatchHandler(root string) Handler {
	return func(ctx context.Context, inv Invocation) (ToolOutput, error) {
		patch, _ := inv.Args["patch"].(string)
		changed, err := workspace.ApplyPatch(root, patch)
		if err != nil {
			return ToolOutput{ExitCode: 1}, err
		}
		return ToolOutput{Stdout: []string{strings.Join(changed, "\n")}, ExitCode: 0}, nil
	}
}

func lsHandler(root string) Handler {
	return func(ctx context.Context, inv Invocation) (ToolOutput, error) {
		rel, _ := inv.Args["path"].(string)
		if rel == "" {
			rel = "."
		}
		abs, err := containedPath(root, rel)
		if err != nil {
			return ToolOutput{}, err
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			return ToolOutput{}, fmt.Errorf("toolsrt: ls %s: %w", rel, err)
		}
		var lines []string
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			lines = append(lines, name)
		}
		return ToolOutput{Stdout: []string{strings.Join(lines, "\n")}, ExitCode: 0}, nil
	}
}

func grepHandler(root string) Handler {
	return func(ctx context.Context, inv Invocation) (ToolOutput, error) {
		pattern, _ := inv.Args["pattern"].(string)
		rel, _ := inv.Args["path"].(string)
		if rel == "" {
			rel = "."
		}
		abs, err := containedPath(root, rel)
		if err != nil {
			return ToolOutput{}, err
		}
		if pattern == "" {
			return ToolOutput{}, errors.New("toolsrt: grep pattern is required")
		}

		var matches []string
		walkErr := filepath.Walk(abs, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			f, err := os.Open(path)
			if err != nil {
				return nil
			}
			defer f.Close()
			sc := bufio.NewScanner(f)
			lineNo := 0
			relToWorkspace, _ := filepath.Rel(root, path)
			for sc.Scan() {
				lineNo++
				if strings.Contains(sc.Text(), pattern) {
					matches = append(matches, fmt.Sprintf("%s:%d:%s", filepath.ToSlash(relToWorkspace), lineNo, sc.Text()))
				}
			}
			return nil
		})
		if walkErr != nil {
			return ToolOutput{}, fmt.Errorf("toolsrt: grep walk: %w", walkErr)
		}
		return ToolOutput{Stdout: []string{strings.Join(matches, "\n")}, ExitCode: 0}, nil
	}
}

func bashHandler(root string, maxOutputBytes int) Handler {
	return func(ctx context.Context, inv Invocation) (ToolOutput, error) {
		command, _ := inv.Args["command"].(string)
		if command == "" {
			return ToolOutput{}, errors.New("toolsrt: bash command is required")
		}

		shell := "bash"
		if _, err := exec.LookPath(shell); err != nil {
			shell = os.Getenv("SHELL")
			if shell == "" {
				shell = "/bin/sh"
			}
		}

		cmd := exec.CommandContext(ctx, shell, "-c", command)
		cmd.Dir = root
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr := cmd.Run()
		exitCode := 0
		if runErr != nil {
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				return ToolOutput{}, fmt.Errorf("toolsrt: bash exec: %w", runErr)
			}
		}

		return ToolOutput{
			Stdout:   []string{truncateUTF8(stdout.String(), maxOutputBytes)},
			Stderr:   []string{truncateUTF8(stderr.String(), maxOutputBytes)},
			ExitCode: exitCode,
		}, nil
	}
}

// truncateUTF8 cuts s to at most maxBytes, backing off to the nearest
// preceding rune boundary so multi-byte codepoints are never split (spec
// §4.3: "UTF-8-truncated at a safe codepoint boundary").
func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
