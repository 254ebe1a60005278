package aoi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// definitionFile is the top level of a surface definitions file. Keys other
// than "surfaces" are ignored.
type definitionFile struct {
	Surfaces []SurfaceRecord `msgpack:"surfaces"`
}

// LoadSurfaceDefinitions reads a msgpack surface definitions file. A leading
// "~" in path is expanded to the user's home directory.
func LoadSurfaceDefinitions(path string) ([]Surface, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read surface definitions: %w", err)
	}
	surfaces, err := DecodeSurfaceDefinitions(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", expanded, err)
	}
	return surfaces, nil
}

// DecodeSurfaceDefinitions decodes every surface in r. The whole decode
// fails on the first bad surface.
func DecodeSurfaceDefinitions(r io.Reader) ([]Surface, error) {
	var file definitionFile
	if err := msgpack.NewDecoder(r).Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty definitions file", ErrMalformedDefinition)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedDefinition, err)
	}

	surfaces := make([]Surface, 0, len(file.Surfaces))
	for i, rec := range file.Surfaces {
		s, err := SurfaceFromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("surface %d: %w", i, err)
		}
		surfaces = append(surfaces, s)
	}
	return surfaces, nil
}

// SaveSurfaceDefinitions writes surfaces to path, creating parent
// directories as needed.
func SaveSurfaceDefinitions(path string, surfaces []Surface) error {
	expanded, err := expandHome(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0755); err != nil {
		return fmt.Errorf("failed to create definitions directory: %w", err)
	}

	var buf bytes.Buffer
	if err := EncodeSurfaceDefinitions(&buf, surfaces); err != nil {
		return err
	}
	if err := os.WriteFile(expanded, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write surface definitions: %w", err)
	}
	return nil
}

// EncodeSurfaceDefinitions writes surfaces to w in the definitions format.
func EncodeSurfaceDefinitions(w io.Writer, surfaces []Surface) error {
	file := definitionFile{Surfaces: make([]SurfaceRecord, 0, len(surfaces))}
	for _, s := range surfaces {
		file.Surfaces = append(file.Surfaces, s.Record())
	}
	if err := msgpack.NewEncoder(w).Encode(&file); err != nil {
		return fmt.Errorf("failed to encode surface definitions: %w", err)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
