// Package scaffold lays out a new kiln workspace: kiln.yml plus the stable
// and candidate artifact trees.
package scaffold

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/kiln/internal/config"
	"github.com/dyluth/kiln/internal/loader"
	"github.com/dyluth/kiln/internal/printer"
	"github.com/dyluth/kiln/pkg/candidates"
)

//go:embed templates/*
var templatesFS embed.FS

// ConfigFile is the name of the configuration file written by Initialize.
const ConfigFile = "kiln.yml"

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
	Kind        candidates.Kind
}

// Directories returns the artifact trees created under a workspace, relative
// to its root.
func Directories() []string {
	return []string{
		filepath.Join("stable", "plugins"),
		filepath.Join("stable", "platforms"),
		filepath.Join("candidates", "plugins"),
		filepath.Join("candidates", "platforms"),
	}
}

// Initialize creates the kiln workspace under dir.
// If force is true, existing kiln.yml and artifact trees are removed first.
func Initialize(dir string, force bool) error {
	if force {
		if err := handleForce(dir); err != nil {
			return err
		}
	}

	files, err := getTemplateFiles()
	if err != nil {
		return err
	}

	if err := createDirectories(dir); err != nil {
		return err
	}

	if err := writeFiles(dir, files); err != nil {
		return err
	}

	return validateCreatedFiles(dir, files)
}

func handleForce(dir string) error {
	cfgPath := filepath.Join(dir, ConfigFile)
	if _, err := os.Stat(cfgPath); err == nil {
		printer.Warning("Removing existing %s...\n", ConfigFile)
		if err := os.Remove(cfgPath); err != nil {
			return fmt.Errorf("failed to remove %s: %w", ConfigFile, err)
		}
	}

	for _, tree := range []string{"stable", "candidates"} {
		path := filepath.Join(dir, tree)
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			printer.Warning("Removing existing %s/ directory...\n", tree)
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("failed to remove %s/ directory: %w", tree, err)
			}
		}
	}

	return nil
}

func getTemplateFiles() ([]FileInfo, error) {
	specs := []struct {
		template string
		path     string
		kind     candidates.Kind
	}{
		{"templates/kiln.yml.tmpl", ConfigFile, ""},
		{"templates/plugin.go.tmpl", filepath.Join("stable", "plugins", "_example.go"), candidates.KindPlugin},
		{"templates/platform.go.tmpl", filepath.Join("stable", "platforms", "_example.go"), candidates.KindPlatform},
	}

	files := make([]FileInfo, 0, len(specs))
	for _, s := range specs {
		content, err := templatesFS.ReadFile(s.template)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s template: %w", filepath.Base(s.path), err)
		}
		files = append(files, FileInfo{Path: s.path, Content: content, Permissions: 0644, Kind: s.kind})
	}
	return files, nil
}

func createDirectories(dir string) error {
	for _, d := range Directories() {
		if err := os.MkdirAll(filepath.Join(dir, d), 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}
	return nil
}

func writeFiles(dir string, files []FileInfo) error {
	for _, file := range files {
		if err := os.WriteFile(filepath.Join(dir, file.Path), file.Content, file.Permissions); err != nil {
			return fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
	}
	return nil
}

// validateCreatedFiles loads kiln.yml through the real config loader and
// evaluates each example artifact against its kind's contract.
func validateCreatedFiles(dir string, files []FileInfo) error {
	if _, err := config.Load(filepath.Join(dir, ConfigFile)); err != nil {
		return fmt.Errorf("created %s is invalid: %w", ConfigFile, err)
	}

	l := loader.New()
	for _, file := range files {
		if file.Kind == "" {
			continue
		}
		unit, err := l.Load(context.Background(), file.Kind, filepath.Join(dir, file.Path))
		if err != nil {
			return fmt.Errorf("created %s does not load: %w", file.Path, err)
		}
		if err := unit.Check(); err != nil {
			return fmt.Errorf("created %s does not satisfy the %s contract: %w", file.Path, file.Kind, err)
		}
	}
	return nil
}

// PrintSuccess prints the success message with created files
func PrintSuccess() {
	printer.Success("Initialized kiln workspace\n")
	printer.Info("\nCreated:\n")
	printer.Info("  ✓ %s\n", ConfigFile)
	for _, d := range Directories() {
		printer.Info("  ✓ %s/\n", filepath.ToSlash(d))
	}
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Export KILN_API_KEY for the code generator\n")
	printer.Info("  2. Start Redis and run 'kiln status' to check the connection\n")
	printer.Info("  3. Run 'kiln create plugin --spec \"...\"' to draft your first candidate\n")
}
