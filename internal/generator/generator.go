// Package generator produces SBOM documents by invoking the external
// generation tool (syft) against a target artifact.
package generator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
)

// Mode selects the tool's source syntax for a target.
type Mode string

const (
	ModeFile          Mode = "file"
	ModeDirectory     Mode = "directory"
	ModeLocalImage    Mode = "local-image"
	ModeOCIArchive    Mode = "oci-archive"
	ModeRegistryImage Mode = "registry-image"
)

const DefaultFormat = "cyclonedx-json"

var (
	// ErrToolFailed indicates a non-zero exit from the generation tool. The
	// error text carries the tool's stderr.
	ErrToolFailed = errors.New("generation tool failed")
	// ErrOutputMissing indicates the tool exited zero but did not write the
	// requested output file. This points at a tool/version mismatch rather
	// than a problem with the target, so it is kept distinct.
	ErrOutputMissing = errors.New("generation tool produced no output")
	// ErrUnsupportedMode indicates an unknown input mode.
	ErrUnsupportedMode = errors.New("unsupported input mode")
)

type Allocator interface {
	Allocate(prefix string) string
	Release(path string) error
}

type Generator struct {
	toolPath  string
	timeout   time.Duration
	workspace Allocator
	logger    *slog.Logger
}

func New(toolPath string, timeout time.Duration, workspace Allocator, logger *slog.Logger) *Generator {
	return &Generator{
		toolPath:  toolPath,
		timeout:   timeout,
		workspace: workspace,
		logger:    logger.With("component", "generator"),
	}
}

// Generate runs the generation tool against the target and returns the path of
// the materialized SBOM document. The document is written directly to a
// workspace file instead of being captured from stdout, so arbitrarily large
// SBOMs never sit in memory. The returned file is owned by the caller; on
// failure any partial output has already been released.
func (g *Generator) Generate(ctx context.Context, mode Mode, target, format string) (string, error) {
	source, err := sourceSelector(mode, target)
	if err != nil {
		return "", err
	}

	if format == "" {
		format = DefaultFormat
	}

	outputPath := g.workspace.Allocate("sbom") + ".json"

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.toolPath, source, "-o", fmt.Sprintf("%s=%s", format, outputPath))
	cmd.Stderr = &stderr

	g.logger.Debug("Generating SBOM", "source", source, "format", format)

	if err := cmd.Run(); err != nil {
		g.releasePartial(outputPath)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("generation timed out after %s: %w", g.timeout, ctxErr)
		}

		return "", fmt.Errorf("%w: %s: %w", ErrToolFailed, stderr.String(), err)
	}

	if _, err := os.Stat(outputPath); err != nil {
		return "", fmt.Errorf("%w: expected %q", ErrOutputMissing, outputPath)
	}

	return outputPath, nil
}

func (g *Generator) releasePartial(path string) {
	if err := g.workspace.Release(path); err != nil {
		g.logger.Error("Failed to release partial SBOM output", "path", path, "error", err)
	}
}

// sourceSelector maps an input mode to the tool's <scheme>:<target> syntax.
// Image modes validate the reference up front so a malformed name fails fast
// instead of surfacing as an opaque tool error.
func sourceSelector(mode Mode, target string) (string, error) {
	switch mode {
	case ModeFile:
		return "file:" + target, nil
	case ModeDirectory:
		return "dir:" + target, nil
	case ModeLocalImage:
		if _, err := name.ParseReference(target); err != nil {
			return "", fmt.Errorf("invalid image reference %q: %w", target, err)
		}

		return "docker:" + target, nil
	case ModeOCIArchive:
		return "oci-archive:" + target, nil
	case ModeRegistryImage:
		if _, err := name.ParseReference(target); err != nil {
			return "", fmt.Errorf("invalid image reference %q: %w", target, err)
		}

		return "registry:" + target, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
}

// ParseMode validates a user-supplied mode string.
func ParseMode(s string) (Mode, error) {
	mode := Mode(s)
	switch mode {
	case ModeFile, ModeDirectory, ModeLocalImage, ModeOCIArchive, ModeRegistryImage:
		return mode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
	}
}
