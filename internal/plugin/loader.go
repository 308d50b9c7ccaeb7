package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

// inputKey is the top level key of a definition file.
const inputKey = "input"

var extensions = []string{".yaml", ".yml", ".json", ".toml"}

// ReadDir reads the definitions stored in dir, one per file. Files with an
// unknown extension and subdirectories are ignored. Invalid files are
// reported in the joined error, the valid definitions are still returned.
func ReadDir(ctx context.Context, dir string) ([]Definition, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening job directory: %w", err)
	}
	defer func() {
		_ = root.Close()
	}()

	entries, err := fs.ReadDir(root.FS(), ".")
	if err != nil {
		return nil, fmt.Errorf("reading job directory: %w", err)
	}

	var defs []Definition
	var errs []error
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || !slices.Contains(extensions, ext) {
			continue
		}
		def, err := readFile(root, entry.Name(), ext)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		slog.DebugContext(ctx, "input definition loaded", "input", def.Name, "kind", def.Kind, "path", entry.Name())
		defs = append(defs, def)
	}
	return defs, errors.Join(errs...)
}

func readFile(root *os.Root, name, ext string) (Definition, error) {
	f, err := root.Open(name)
	if err != nil {
		return Definition{}, fmt.Errorf("opening %s: %w", name, err)
	}
	defer func() {
		_ = f.Close()
	}()

	v := viper.New()
	v.SetConfigType(strings.TrimPrefix(ext, "."))
	if err := v.ReadConfig(f); err != nil {
		return Definition{}, fmt.Errorf("parsing %s: %w", name, err)
	}
	if !v.IsSet(inputKey) {
		return Definition{}, fmt.Errorf("parsing %s: key %q is missing", name, inputKey)
	}
	return NewDefinition(filepath.Join(root.Name(), name), v.GetStringMap(inputKey))
}

// FromConfig converts the inputs of the configuration file.
func FromConfig(inputs []map[string]any) ([]Definition, error) {
	var defs []Definition
	var errs []error
	for i, raw := range inputs {
		def, err := NewDefinition(fmt.Sprintf("input[%d]", i), raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		def.Source = ""
		defs = append(defs, def)
	}
	return defs, errors.Join(errs...)
}
