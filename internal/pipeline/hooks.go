package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"stemd/internal/logging"
	"stemd/internal/queue"
)

// DefaultCategory is the hook category used when a submission names none.
const DefaultCategory = "separation"

// CompletionHook is invoked exactly once when a job in its category completes.
// Absence of a registered hook is not an error.
type CompletionHook func(ctx context.Context, jobID int64, result map[string]string, job *queue.Job)

// HookRegistry maps job categories to their downstream completion hooks.
// Registering a category that already has a hook replaces it.
type HookRegistry struct {
	mu    sync.RWMutex
	hooks map[string]CompletionHook
}

// NewHookRegistry constructs an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{hooks: make(map[string]CompletionHook)}
}

// Register installs or replaces the hook for a category.
func (r *HookRegistry) Register(category string, hook CompletionHook) {
	category = normalizeCategory(category)
	if hook == nil {
		return
	}
	r.mu.Lock()
	r.hooks[category] = hook
	r.mu.Unlock()
}

func (r *HookRegistry) invoke(ctx context.Context, logger *slog.Logger, category string, job *queue.Job) {
	category = normalizeCategory(category)
	r.mu.RLock()
	hook, ok := r.hooks[category]
	r.mu.RUnlock()
	if !ok {
		return
	}

	defer func() {
		if rec := recover(); rec != nil && logger != nil {
			logger.Error("completion hook panicked",
				logging.String("category", category),
				logging.Any("panic", rec),
				logging.String(logging.FieldEventType, "completion_hook_fault"),
				logging.String(logging.FieldErrorHint, "fix the registered hook for this category"),
			)
		}
	}()
	hook(ctx, job.ID, job.Result, job)
}

func normalizeCategory(category string) string {
	category = strings.ToLower(strings.TrimSpace(category))
	if category == "" {
		return DefaultCategory
	}
	return category
}
