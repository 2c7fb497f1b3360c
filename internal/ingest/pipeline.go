package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"atlas/internal/atlas"
	"atlas/internal/backend"
	"atlas/internal/chunker"
	"atlas/internal/logging"
	"atlas/internal/storage"
	"atlas/internal/tracker"
)

// Pipeline is the Ingestion Pipeline (C4). Tasks are owned in-memory here;
// Sources and Chunks are committed through the Tracker and Coordinator,
// which remain the durable source of truth across restarts.
type Pipeline struct {
	tracker  *tracker.Tracker
	chunker  *chunker.Chunker
	coord    *storage.Coordinator
	registry *backend.Registry
	log      logging.Logger
	cfg      Config

	mu    sync.Mutex
	tasks map[string]*taskHandle
}

type taskHandle struct {
	mu     sync.Mutex
	task   atlas.IngestionTask
	cancel context.CancelFunc
}

func (h *taskHandle) snapshot() atlas.IngestionTask {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.task.Snapshot()
}

// New builds a Pipeline. Any of tracker/chunker/coord/registry being the
// zero value is a caller bug; New does not validate it since construction
// happens once at daemon wiring time.
func New(tr *tracker.Tracker, ch *chunker.Chunker, coord *storage.Coordinator, reg *backend.Registry, cfg Config, log logging.Logger) *Pipeline {
	if log == nil {
		log = logging.Nop()
	}
	return &Pipeline{
		tracker:  tr,
		chunker:  ch,
		coord:    coord,
		registry: reg,
		log:      log,
		cfg:      cfg.withDefaults(),
		tasks:    make(map[string]*taskHandle),
	}
}

// Start creates an Ingestion Task over roots and runs it in the background,
// returning its task id immediately. The task runs on its own context
// derived from context.Background, so it outlives the caller's request; use
// Cancel to stop it early.
func (p *Pipeline) Start(roots []string, recursive, watch bool) (string, error) {
	if len(roots) == 0 {
		return "", fmt.Errorf("ingest: at least one root required")
	}
	id := uuid.NewString()
	h := &taskHandle{
		task: atlas.IngestionTask{
			ID:        id,
			Roots:     append([]string(nil), roots...),
			Recursive: recursive,
			Watch:     watch,
			CreatedAt: time.Now().UTC(),
			Status:    atlas.TaskPending,
		},
	}
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	p.mu.Lock()
	p.tasks[id] = h
	p.mu.Unlock()

	go p.run(runCtx, h)
	return id, nil
}

// Status returns a snapshot of a task's progress, or false if unknown.
func (p *Pipeline) Status(taskID string) (atlas.IngestionTask, bool) {
	p.mu.Lock()
	h, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return atlas.IngestionTask{}, false
	}
	return h.snapshot(), true
}

// Cancel stops a non-terminal task. It is idempotent: cancelling an already
// terminal or already-cancelled task is a no-op, not an error.
func (p *Pipeline) Cancel(taskID string) error {
	p.mu.Lock()
	h, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("ingest: unknown task %q", taskID)
	}
	h.mu.Lock()
	terminal := h.task.Status.Terminal()
	h.mu.Unlock()
	if terminal {
		return nil
	}
	h.cancel()
	h.mu.Lock()
	h.task.Status = atlas.TaskCancelled
	h.mu.Unlock()
	return nil
}

// CancelAll cancels every non-terminal task, for use during daemon shutdown.
func (p *Pipeline) CancelAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.tasks))
	for id := range p.tasks {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		_ = p.Cancel(id)
	}
}

func (p *Pipeline) run(ctx context.Context, h *taskHandle) {
	h.mu.Lock()
	h.task.Status = atlas.TaskRunning
	roots := append([]string(nil), h.task.Roots...)
	recursive := h.task.Recursive
	h.mu.Unlock()

	files, err := p.discover(roots, recursive)
	if err != nil {
		h.mu.Lock()
		h.task.Status = atlas.TaskFailed
		h.task.Errors = append(h.task.Errors, atlas.TaskError{Path: "", Err: err.Error()})
		h.mu.Unlock()
		return
	}

	h.mu.Lock()
	h.task.Total = len(files)
	h.mu.Unlock()

	sem := make(chan struct{}, p.cfg.Workers)
	var wg sync.WaitGroup
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		path := path
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if ctx.Err() != nil {
				return
			}
			if err := p.processFile(ctx, path); err != nil {
				h.mu.Lock()
				h.task.Errors = append(h.task.Errors, atlas.TaskError{Path: path, Err: err.Error()})
				h.mu.Unlock()
				p.log.Warn("ingest file failed", map[string]any{"path": path, "task_id": h.task.ID, "err": err.Error()})
			}
			h.mu.Lock()
			h.task.Processed++
			h.mu.Unlock()
		}()
	}
	wg.Wait()

	h.mu.Lock()
	if h.task.Status != atlas.TaskCancelled {
		h.task.Status = atlas.TaskCompleted
	}
	h.mu.Unlock()
}

// discover walks roots honoring recursive and the configured ignore globs,
// returning plain-file paths. A non-recursive root lists only its immediate
// children (files present directly under it).
func (p *Pipeline) discover(roots []string, recursive bool) ([]string, error) {
	var out []string
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("stat root %q: %w", root, err)
		}
		if !info.IsDir() {
			out = append(out, root)
			continue
		}
		if !recursive {
			entries, err := os.ReadDir(root)
			if err != nil {
				return nil, fmt.Errorf("read dir %q: %w", root, err)
			}
			for _, e := range entries {
				if e.IsDir() || p.ignored(e.Name()) {
					continue
				}
				out = append(out, filepath.Join(root, e.Name()))
			}
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || p.ignored(d.Name()) {
				return nil
			}
			out = append(out, path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk root %q: %w", root, err)
		}
	}
	return out, nil
}

func (p *Pipeline) ignored(name string) bool {
	for _, glob := range p.cfg.IgnoreGlobs {
		if ok, _ := filepath.Match(glob, name); ok {
			return true
		}
	}
	return false
}
