// Package tasks reads task files listing images and directories to compress.
package tasks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// Tasks is the content of a task file.
type Tasks struct {
	FileTasks []string `json:"file_tasks" yaml:"file_tasks"`
	DirTasks  []string `json:"dir_tasks" yaml:"dir_tasks"`
}

// Len returns the number of top-level steps: the file list counts as one,
// each directory as one more.
func (t Tasks) Len() int {
	n := len(t.DirTasks)
	if len(t.FileTasks) > 0 {
		n++
	}
	return n
}

// Load reads a task file. Files ending in .yaml or .yml are parsed as YAML,
// everything else as JSON.
func Load(path string) (Tasks, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tasks{}, fmt.Errorf("read task file: %w", err)
	}

	var t Tasks
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &t)
	default:
		err = json.Unmarshal(data, &t)
	}
	if err != nil {
		return Tasks{}, fmt.Errorf("parse task file %s: %w", path, err)
	}

	t.FileTasks = clean(t.FileTasks)
	t.DirTasks = clean(t.DirTasks)
	return t, nil
}

func clean(paths []string) []string {
	out := paths[:0]
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
