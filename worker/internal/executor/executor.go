// Package executor runs the external classifier program against one input
// file.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Classification is one line of classifier output, "filename,label".
type Classification struct {
	Filename string
	Label    string
}

// CSV renders the classification the way it is stored in the output bucket.
func (c Classification) CSV() string {
	return c.Filename + "," + c.Label
}

type Classifier struct {
	argv    []string
	timeout time.Duration
}

// New returns a Classifier invoking argv with the input path appended.
func New(argv []string, timeout time.Duration) *Classifier {
	return &Classifier{argv: argv, timeout: timeout}
}

func (c *Classifier) Classify(ctx context.Context, path string) (Classification, error) {
	if len(c.argv) == 0 {
		return Classification{}, errors.New("classifier command is empty")
	}
	bin := c.argv[0]
	if !strings.ContainsRune(bin, filepath.Separator) {
		if p := lookPathWithFallback(bin); p != "" {
			bin = p
		}
	}
	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	args := append(append([]string{}, c.argv[1:]...), path)
	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Env = processEnvWithPathFallback()
	cmd.WaitDelay = time.Second
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Classification{}, fmt.Errorf("classifier timed out after %s", c.timeout)
	}
	if err != nil {
		return Classification{}, fmt.Errorf("classifier failed: %w: %s", err, strings.TrimSpace(errOut.String()))
	}
	return ParseOutput(out.String(), filepath.Base(path))
}

// ParseOutput reads the last non-empty "filename,label" line of raw. A line
// without a comma is taken as a bare label for fallbackName.
func ParseOutput(raw, fallbackName string) (Classification, error) {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		name, label, ok := strings.Cut(line, ",")
		if !ok {
			return Classification{Filename: fallbackName, Label: line}, nil
		}
		label = strings.TrimSpace(label)
		if label == "" {
			return Classification{}, fmt.Errorf("classifier output %q has no label", line)
		}
		return Classification{Filename: strings.TrimSpace(name), Label: label}, nil
	}
	return Classification{}, errors.New("classifier produced no output")
}

func lookPathWithFallback(bin string) string {
	if p, err := exec.LookPath(bin); err == nil {
		return p
	}
	for _, dir := range strings.Split(defaultExecPath(), ":") {
		p := filepath.Join(dir, bin)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// processEnvWithPathFallback passes the worker environment through, making
// sure PATH is usable on hosts that start the worker with an empty one.
func processEnvWithPathFallback() []string {
	env := os.Environ()
	for i, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			if strings.TrimSpace(strings.TrimPrefix(e, "PATH=")) == "" {
				env[i] = "PATH=" + defaultExecPath()
			}
			return env
		}
	}
	return append(env, "PATH="+defaultExecPath())
}

func defaultExecPath() string {
	return "/usr/local/bin:/usr/bin:/bin:/opt/homebrew/bin"
}
