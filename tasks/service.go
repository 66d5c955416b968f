package tasks

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"tasksync-api/domain"
)

const (
	// DefaultPageSize is used when a list request gives no page size.
	DefaultPageSize = 30
	// MaxPageSize caps a single list page.
	MaxPageSize = 100
)

// Store abstracts the durable record store. All operations are scoped by
// owner; a row belonging to another user reads as absent.
type Store interface {
	CreateTask(ctx context.Context, userID, title string) (domain.Task, error)
	GetTask(ctx context.Context, id, userID string) (*domain.Task, error)
	UpdateTask(ctx context.Context, id, userID string, patch domain.TaskPatch) (*domain.Task, error)
	DeleteTask(ctx context.Context, id, userID string) (bool, error)
	ListTasks(ctx context.Context, userID string, skip, take int) ([]domain.Task, int, error)
}

// Cache holds best-effort task snapshots. Implementations absorb their own
// failures; no method returns an error.
type Cache interface {
	GetTask(ctx context.Context, id string) *domain.Task
	SetTask(ctx context.Context, t domain.Task)
	DeleteTask(ctx context.Context, id string)
}

// Broadcaster pushes a change event to the owner's live connections.
type Broadcaster interface {
	Dispatch(userID string, ev domain.Event)
}

// Service is the cache-coherent mutation pipeline. Every mutation follows
// the same order: durable write, then cache, then broadcast. The store is
// the only system of record; cache and broadcast failures never fail a
// call.
type Service struct {
	store     Store
	cache     Cache
	broadcast Broadcaster
}

// NewService wires the pipeline. Cache and broadcaster may be nil, which
// disables the corresponding side effects (useful in tests).
func NewService(store Store, cache Cache, broadcast Broadcaster) *Service {
	if store == nil {
		panic("tasks.NewService: store is nil")
	}
	return &Service{store: store, cache: cache, broadcast: broadcast}
}

// Create validates the input, writes the new task through to the store,
// caches the fresh snapshot and notifies the owner's devices.
func (s *Service) Create(ctx context.Context, userID, title string) (domain.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Task{}, domain.NewValidationError("title", "must not be empty")
	}
	t, err := s.store.CreateTask(ctx, userID, title)
	if err != nil {
		return domain.Task{}, err
	}
	s.cacheSet(ctx, t)
	s.dispatch(domain.NewTaskCreated(t))
	return t, nil
}

// Get serves reads cache-first. A cached snapshot is only trusted when its
// owner matches the caller; anything else falls through to the store and
// repopulates the cache on a hit.
func (s *Service) Get(ctx context.Context, id, userID string) (domain.Task, error) {
	if s.cache != nil {
		if cached := s.cache.GetTask(ctx, id); cached != nil && cached.UserID == userID {
			return *cached, nil
		}
	}
	t, err := s.store.GetTask(ctx, id, userID)
	if err != nil {
		return domain.Task{}, err
	}
	if t == nil {
		return domain.Task{}, domain.ErrNotFound
	}
	s.cacheSet(ctx, *t)
	return *t, nil
}

// Update merge-patches the stored task, overwrites the cache entry with
// the exact post-write state and notifies the owner's devices. The cache
// is overwritten rather than invalidated: the pipeline is the writer and
// knows the value just made durable, so a fast-following read can never
// race a stale repopulation.
func (s *Service) Update(ctx context.Context, id, userID string, patch domain.TaskPatch) (domain.Task, error) {
	t, err := s.store.UpdateTask(ctx, id, userID, patch)
	if err != nil {
		return domain.Task{}, err
	}
	if t == nil {
		return domain.Task{}, domain.ErrNotFound
	}
	s.cacheSet(ctx, *t)
	s.dispatch(domain.NewTaskUpdated(*t))
	return *t, nil
}

// Delete removes the task, evicts the cache entry and notifies the owner's
// devices with the identity alone. A cache entry that survives the evict is
// bounded by its TTL.
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	affected, err := s.store.DeleteTask(ctx, id, userID)
	if err != nil {
		return err
	}
	if !affected {
		return domain.ErrNotFound
	}
	if s.cache != nil {
		s.cache.DeleteTask(ctx, id)
	}
	s.dispatch(domain.NewTaskDeleted(userID, id))
	return nil
}

// List returns one page of the owner's tasks, newest first. List results
// are never cached; range invalidation is not attempted.
func (s *Service) List(ctx context.Context, userID string, page, limit int) (domain.TaskPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	items, total, err := s.store.ListTasks(ctx, userID, (page-1)*limit, limit)
	if err != nil {
		return domain.TaskPage{}, err
	}
	totalPages := (total + limit - 1) / limit
	return domain.TaskPage{
		Items:      items,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
	}, nil
}

func (s *Service) cacheSet(ctx context.Context, t domain.Task) {
	if s.cache == nil {
		return
	}
	s.cache.SetTask(ctx, t)
}

func (s *Service) dispatch(ev domain.Event) {
	if s.broadcast == nil {
		return
	}
	s.broadcast.Dispatch(ev.UserID, ev)
	log.WithFields(log.Fields{"user": ev.UserID, "action": ev.Action, "task": ev.TaskID}).Debug("change event raised")
}
