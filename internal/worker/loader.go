package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ratchetd/ratchet/internal/domain/task"
)

// Loader resolves a task path to a runnable descriptor. The coordinator
// sends the path it registered the task under; what that means is up to the
// loader implementation.
type Loader interface {
	Load(taskPath string) (task.Task, error)
}

// FileLoader reads the task's JavaScript source from disk. A path pointing
// at a directory loads <dir>/main.js.
type FileLoader struct {
	Root string
}

func (l FileLoader) Load(taskPath string) (task.Task, error) {
	path := taskPath
	if l.Root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(l.Root, path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return task.Task{}, fmt.Errorf("task source %s: %w", taskPath, err)
	}
	if info.IsDir() {
		path = filepath.Join(path, "main.js")
	}

	code, err := os.ReadFile(path)
	if err != nil {
		return task.Task{}, fmt.Errorf("task source %s: %w", taskPath, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), ".js")
	return task.Task{
		Name:    name,
		Source:  task.Source{Type: task.SourceFile, Path: path, Code: string(code)},
		Enabled: true,
	}, nil
}
