package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// workflowFile is the on-disk shape: either a single definition or a
// `workflows:` list.
type workflowFile struct {
	Workflows []Definition `yaml:"workflows"`
	Definition `yaml:",inline"`
}

// LoadFile parses workflow definitions from one YAML file.
func LoadFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}
	var file workflowFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file %s: %w", path, err)
	}
	if len(file.Workflows) > 0 {
		return file.Workflows, nil
	}
	if file.Name != "" {
		return []Definition{file.Definition}, nil
	}
	return nil, nil
}

// LoadDir parses all .yaml and .yml files in dir, in lexical order so loads
// are reproducible. A missing directory is an empty result, not an error.
func LoadDir(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read workflow dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var defs []Definition
	for _, name := range names {
		fileDefs, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, fileDefs...)
	}
	return defs, nil
}
