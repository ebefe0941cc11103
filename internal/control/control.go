// Package control turns out-of-process commands (a dashboard or CLI
// writing a control file) into pause and cancel signals for a running
// workflow.
package control

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/maestro-ai/maestro/internal/logging"
)

// ControlFileName is the file watched inside the project's state dir.
const ControlFileName = "control"

// Commands accepted in the control file's first line.
const (
	CommandPause  = "pause"
	CommandCancel = "cancel"
)

// Controller watches a directory for the control file and dispatches its
// command. The file is consumed (removed) once handled.
type Controller struct {
	dir      string
	onPause  func()
	onCancel func()
	logger   *logging.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New creates a controller watching dir for the control file.
func New(dir string, onPause, onCancel func(), logger *logging.Logger) (*Controller, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	return &Controller{
		dir:      dir,
		onPause:  onPause,
		onCancel: onCancel,
		logger:   logger,
		watcher:  watcher,
		done:     make(chan struct{}),
	}, nil
}

// Start begins dispatching in a background goroutine until Stop or ctx
// cancellation. A control file already present at start is honored.
func (c *Controller) Start(ctx context.Context) {
	c.consume()
	go c.run(ctx)
}

func (c *Controller) run(ctx context.Context) {
	target := filepath.Join(c.dir, ControlFileName)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != target {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				c.consume()
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("control watcher error", "error", err)
		}
	}
}

// consume reads, dispatches, and removes the control file.
func (c *Controller) consume() {
	path := filepath.Join(c.dir, ControlFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	_ = os.Remove(path)

	command, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	switch strings.TrimSpace(command) {
	case CommandPause:
		c.logger.Info("pause requested via control file")
		if c.onPause != nil {
			c.onPause()
		}
	case CommandCancel:
		c.logger.Info("cancel requested via control file")
		if c.onCancel != nil {
			c.onCancel()
		}
	default:
		c.logger.Warn("unknown control command", "command", command)
	}
}

// Stop ends watching and releases the watcher.
func (c *Controller) Stop() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	_ = c.watcher.Close()
}

// Request writes a command into a project's control file, for use by the
// CLI on the other side of the watch.
func Request(dir, command string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ControlFileName), []byte(command+"\n"), 0o644)
}
