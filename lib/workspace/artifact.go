package workspace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Artifact is one task's serialized output: string keys to JSON values.
// Values staged through the script protocol arrive as strings.
type Artifact map[string]interface{}

// WriteArtifact serializes values as the task's output artifact.
func WriteArtifact(path string, values Artifact) error {
	if values == nil {
		values = Artifact{}
	}
	raw, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: marshal: %w", err)
	}
	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("artifact: write %q: %w", path, err)
	}
	return nil
}

// ReadArtifact loads an output artifact (directly or through an input symlink).
func ReadArtifact(path string) (Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("artifact: read %q: %w", path, err)
	}
	values := Artifact{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("artifact: unmarshal %q: %w", path, err)
	}
	return values, nil
}

// ParseStage reads the tab-separated key/value pairs a script staged through
// weft_output. A key staged twice keeps the last value. A missing stage file
// means the task produced no outputs.
func ParseStage(path string) (Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Artifact{}, nil
		}
		return nil, fmt.Errorf("artifact: open stage %q: %w", path, err)
	}
	defer f.Close()

	values := Artifact{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		key, val, found := strings.Cut(line, "\t")
		if !found || key == "" {
			continue
		}
		values[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("artifact: scan stage %q: %w", path, err)
	}
	return values, nil
}
