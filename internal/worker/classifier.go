package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Classifier is the job computation: a pure function from an image to a
// classification label. The model itself lives outside this system.
type Classifier interface {
	Classify(ctx context.Context, fileName string, data []byte) (string, error)
}

// ExecClassifier invokes an external command (typically a model
// inference script baked into the worker image) with the image written
// to a temp file as its argument. The command's trimmed stdout is the
// classification result.
type ExecClassifier struct {
	Command string
	Args    []string
}

// NewExecClassifier creates a classifier that shells out to command.
func NewExecClassifier(command string, args ...string) *ExecClassifier {
	return &ExecClassifier{Command: command, Args: args}
}

func (e *ExecClassifier) Classify(ctx context.Context, fileName string, data []byte) (string, error) {
	dir, err := os.MkdirTemp("", "elastictier-job-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, filepath.Base(fileName))
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write input file: %w", err)
	}

	args := append(append([]string{}, e.Args...), path)
	out, err := exec.CommandContext(ctx, e.Command, args...).Output()
	if err != nil {
		return "", fmt.Errorf("run classifier: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
