package archive

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Command expands archives with an external 7z-compatible tool, falling
// back to unar for rar files 7z cannot open.
type Command struct {
	command  string
	Password string
}

func NewCommand(command string) *Command {
	return &Command{command: command}
}

func (c *Command) tool() string {
	command := strings.TrimSpace(c.command)
	if command == "" {
		command = "7zz"
	}
	return command
}

func (c *Command) Validate(ctx context.Context, path string) error {
	command := c.tool()
	if archiveToolKind(command) == "unar" {
		command = "lsar"
	}
	out, err := runTool(ctx, command, testCommandArgs(command, path, c.Password))
	if err == nil {
		return nil
	}
	if isCommandNotFound(err) {
		return fmt.Errorf("archive tool %s not found: %w", command, err)
	}
	if out == "" {
		out = err.Error()
	}
	return fmt.Errorf("%w: %s", ErrInvalidArchive, out)
}

// Expand reports 0 until the tool exits, then 100.
func (c *Command) Expand(ctx context.Context, path, dest string, m *Monitor) error {
	m.SetTotal(1)
	m.SetFile(filepath.Base(path))
	command := c.tool()
	password := strings.TrimSpace(c.Password)
	out, err := runTool(ctx, command, archiveCommandArgs(command, path, dest, password))
	if err == nil {
		m.Finish()
		return nil
	}
	if shouldTryUnarFallback(command, path, out, err) {
		if _, lookErr := exec.LookPath("unar"); lookErr == nil {
			fallbackOut, fallbackErr := runTool(ctx, "unar", archiveCommandArgs("unar", path, dest, password))
			if fallbackErr == nil {
				m.Finish()
				return nil
			}
			if fallbackOut == "" {
				fallbackOut = fallbackErr.Error()
			}
			if out != "" {
				out = out + "\n--- unar fallback failed ---\n" + fallbackOut
			} else {
				out = fallbackOut
			}
		}
	}
	if out == "" {
		out = err.Error()
	}
	return fmt.Errorf("archive command failed: %s", out)
}

func isArchiveFile(path string) bool {
	name := strings.ToLower(filepath.Base(strings.TrimSpace(path)))
	switch {
	case strings.HasSuffix(name, ".zip"),
		strings.HasSuffix(name, ".7z"),
		strings.HasSuffix(name, ".rar"),
		strings.HasSuffix(name, ".tar"),
		strings.HasSuffix(name, ".tar.gz"),
		strings.HasSuffix(name, ".tgz"),
		strings.HasSuffix(name, ".tar.bz2"),
		strings.HasSuffix(name, ".tbz2"),
		strings.HasSuffix(name, ".tar.xz"),
		strings.HasSuffix(name, ".txz"),
		strings.HasSuffix(name, ".gz"),
		strings.HasSuffix(name, ".bz2"),
		strings.HasSuffix(name, ".xz"):
		return true
	default:
		return false
	}
}

func runTool(ctx context.Context, command string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func testCommandArgs(command, archivePath, password string) []string {
	switch filepath.Base(command) {
	case "lsar":
		args := []string{"-t"}
		if strings.TrimSpace(password) != "" {
			args = append(args, "-p", password)
		}
		return append(args, archivePath)
	default:
		args := []string{"t", "-y"}
		if strings.TrimSpace(password) != "" {
			args = append(args, "-p"+password)
		}
		return append(args, archivePath)
	}
}

func archiveCommandArgs(command, archivePath, outDir, password string) []string {
	switch archiveToolKind(command) {
	case "unar":
		args := []string{
			"-f", // overwrite without prompt
			"-o", outDir,
		}
		if strings.TrimSpace(password) != "" {
			args = append(args, "-p", password)
		}
		args = append(args, archivePath)
		return args
	default:
		args := []string{
			"x",    // extract with full paths
			"-y",   // assume yes on all prompts
			"-aoa", // overwrite all existing files
			"-o" + outDir,
		}
		if strings.TrimSpace(password) != "" {
			args = append(args, "-p"+password)
		}
		args = append(args, archivePath)
		return args
	}
}

func archiveToolKind(command string) string {
	base := strings.ToLower(filepath.Base(strings.TrimSpace(command)))
	switch base {
	case "unar":
		return "unar"
	default:
		return "7z"
	}
}

func shouldTryUnarFallback(command, archivePath, output string, runErr error) bool {
	if archiveToolKind(command) == "unar" {
		return false
	}
	if isCommandNotFound(runErr) {
		return true
	}
	name := strings.ToLower(strings.TrimSpace(archivePath))
	if !strings.HasSuffix(name, ".rar") {
		return false
	}
	lower := strings.ToLower(output)
	return strings.Contains(lower, "cannot open the file as archive") ||
		strings.Contains(lower, "can't open as archive") ||
		strings.Contains(lower, "unsupported method")
}

func isCommandNotFound(err error) bool {
	if err == nil {
		return false
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return errors.Is(execErr.Err, exec.ErrNotFound)
	}
	return false
}
