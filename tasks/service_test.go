package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tasksync-api/domain"
	"tasksync-api/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	seq     int
	clock   int64
	tasks   map[string]domain.Task
	failErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]domain.Task)}
}

func (f *fakeStore) CreateTask(_ context.Context, userID, title string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return domain.Task{}, f.failErr
	}
	f.seq++
	f.clock++
	t := domain.Task{
		ID:        fmt.Sprintf("task-%d", f.seq),
		UserID:    userID,
		Title:     title,
		CreatedAt: f.clock,
	}
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeStore) GetTask(_ context.Context, id, userID string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	t, ok := f.tasks[id]
	if !ok || t.UserID != userID {
		return nil, nil
	}
	return &t, nil
}

func (f *fakeStore) UpdateTask(_ context.Context, id, userID string, patch domain.TaskPatch) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	t, ok := f.tasks[id]
	if !ok || t.UserID != userID {
		return nil, nil
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Completed != nil {
		t.Completed = *patch.Completed
	}
	f.tasks[id] = t
	return &t, nil
}

func (f *fakeStore) DeleteTask(_ context.Context, id, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return false, f.failErr
	}
	t, ok := f.tasks[id]
	if !ok || t.UserID != userID {
		return false, nil
	}
	delete(f.tasks, id)
	return true, nil
}

func (f *fakeStore) ListTasks(_ context.Context, userID string, skip, take int) ([]domain.Task, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, 0, f.failErr
	}
	owned := []domain.Task{}
	for _, t := range f.tasks {
		if t.UserID == userID {
			owned = append(owned, t)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].CreatedAt > owned[j].CreatedAt })
	total := len(owned)
	if skip >= total {
		return []domain.Task{}, total, nil
	}
	end := skip + take
	if end > total {
		end = total
	}
	return owned[skip:end], total, nil
}

// setRaw plants a task directly in the store, bypassing the pipeline.
func (f *fakeStore) setRaw(t domain.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingBroadcaster) Dispatch(_ string, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingBroadcaster) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func newTestService(t *testing.T) (*Service, *fakeStore, *storage.Cache, *recordingBroadcaster, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newFakeStore()
	cache := storage.NewCache(client, time.Minute)
	rec := &recordingBroadcaster{}
	return NewService(store, cache, rec), store, cache, rec, mr
}

func TestCreateRejectsEmptyTitle(t *testing.T) {
	svc, store, _, rec, _ := newTestService(t)
	ctx := context.Background()

	for _, title := range []string{"", "   "} {
		_, err := svc.Create(ctx, "u1", title)
		var vErr *domain.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected ValidationError for %q, got %v", title, err)
		}
	}
	if len(store.tasks) != 0 {
		t.Fatal("validation failure must not write the store")
	}
	if len(rec.all()) != 0 {
		t.Fatal("validation failure must not broadcast")
	}
}

func TestCreateWritesThroughAndBroadcasts(t *testing.T) {
	svc, _, cache, rec, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "u1", "buy milk")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.Completed || created.Title != "buy milk" {
		t.Fatalf("unexpected task: %+v", created)
	}

	if cached := cache.GetTask(ctx, created.ID); cached == nil || cached.Title != "buy milk" {
		t.Fatalf("expected fresh snapshot in cache, got %+v", cached)
	}

	events := rec.all()
	if len(events) != 1 || events[0].Action != domain.TaskCreated {
		t.Fatalf("expected one created event, got %+v", events)
	}
	if events[0].Task == nil || events[0].Task.ID != created.ID {
		t.Fatalf("created event must carry the snapshot, got %+v", events[0])
	}
}

func TestCreateStoreFailureHasNoSideEffects(t *testing.T) {
	svc, store, cache, rec, _ := newTestService(t)
	ctx := context.Background()

	storeErr := errors.New("table offline")
	store.failErr = storeErr
	_, err := svc.Create(ctx, "u1", "doomed")
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error to surface, got %v", err)
	}
	if len(rec.all()) != 0 {
		t.Fatal("no broadcast may happen when the store write fails")
	}
	store.failErr = nil
	if cached := cache.GetTask(ctx, "task-1"); cached != nil {
		t.Fatal("no cache write may happen when the store write fails")
	}
}

func TestReadPopulatesCacheOnMiss(t *testing.T) {
	svc, store, cache, _, _ := newTestService(t)
	ctx := context.Background()

	store.setRaw(domain.Task{ID: "t1", UserID: "u1", Title: "old", CreatedAt: 1})

	got, err := svc.Get(ctx, "t1", "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "old" {
		t.Fatalf("unexpected task: %+v", got)
	}
	if cached := cache.GetTask(ctx, "t1"); cached == nil {
		t.Fatal("read miss must repopulate the cache")
	}
}

func TestWriteThenReadIsNeverStale(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "u1", "first")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Warm the cache with the original value.
	if _, err := svc.Get(ctx, created.ID, "u1"); err != nil {
		t.Fatalf("get: %v", err)
	}

	title := "second"
	done := true
	if _, err := svc.Update(ctx, created.ID, "u1", domain.TaskPatch{Title: &title, Completed: &done}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// TTL has not expired; the overwrite must already be visible.
	got, err := svc.Get(ctx, created.ID, "u1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Title != "second" || !got.Completed {
		t.Fatalf("stale read after acknowledged write: %+v", got)
	}
}

func TestUpdateAppliesOnlyPresentFields(t *testing.T) {
	svc, _, _, rec, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "u1", "original")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	done := true
	updated, err := svc.Update(ctx, created.ID, "u1", domain.TaskPatch{Completed: &done})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "original" || !updated.Completed {
		t.Fatalf("partial update corrupted fields: %+v", updated)
	}

	events := rec.all()
	last := events[len(events)-1]
	if last.Action != domain.TaskUpdated || last.Task == nil || !last.Task.Completed {
		t.Fatalf("expected updated event with new state, got %+v", last)
	}
}

func TestOwnershipIsOpaque(t *testing.T) {
	svc, store, _, _, _ := newTestService(t)
	ctx := context.Background()

	store.setRaw(domain.Task{ID: "theirs", UserID: "u2", Title: "secret", CreatedAt: 1})

	wrongOwner, err1 := svc.Get(ctx, "theirs", "u1")
	_, err2 := svc.Get(ctx, "missing", "u1")
	if !errors.Is(err1, domain.ErrNotFound) || !errors.Is(err2, domain.ErrNotFound) {
		t.Fatalf("expected identical NotFound for both cases, got %v and %v", err1, err2)
	}
	if wrongOwner.ID != "" {
		t.Fatalf("no task data may leak across owners: %+v", wrongOwner)
	}

	title := "hijack"
	if _, err := svc.Update(ctx, "theirs", "u1", domain.TaskPatch{Title: &title}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("update across owners must be NotFound, got %v", err)
	}
	if err := svc.Delete(ctx, "theirs", "u1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("delete across owners must be NotFound, got %v", err)
	}
	if got, _ := store.GetTask(ctx, "theirs", "u2"); got == nil || got.Title != "secret" {
		t.Fatal("foreign task must be untouched")
	}
}

func TestCachedEntryForAnotherOwnerFallsThrough(t *testing.T) {
	svc, store, cache, _, _ := newTestService(t)
	ctx := context.Background()

	store.setRaw(domain.Task{ID: "t1", UserID: "u2", Title: "theirs", CreatedAt: 1})
	cache.SetTask(ctx, domain.Task{ID: "t1", UserID: "u2", Title: "theirs", CreatedAt: 1})

	if _, err := svc.Get(ctx, "t1", "u1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cached snapshot of another owner must not be served, got %v", err)
	}
}

func TestDeleteIsFinal(t *testing.T) {
	svc, _, cache, rec, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "u1", "ephemeral")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Delete(ctx, created.ID, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if cache.ExistsTask(ctx, created.ID) {
		t.Fatal("delete must evict the cache entry")
	}
	if _, err := svc.Get(ctx, created.ID, "u1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("read after delete must be NotFound, got %v", err)
	}
	if err := svc.Delete(ctx, created.ID, "u1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete must be NotFound, got %v", err)
	}

	events := rec.all()
	last := events[len(events)-1]
	if last.Action != domain.TaskDeleted || last.Task != nil || last.TaskID != created.ID {
		t.Fatalf("deleted event must carry only the identity, got %+v", last)
	}
}

func TestCacheOutageDegradesOnlyLatency(t *testing.T) {
	svc, _, _, rec, mr := newTestService(t)
	ctx := context.Background()

	mr.Close() // every cache operation now fails

	created, err := svc.Create(ctx, "u1", "resilient")
	if err != nil {
		t.Fatalf("create with cache down: %v", err)
	}
	got, err := svc.Get(ctx, created.ID, "u1")
	if err != nil || got.Title != "resilient" {
		t.Fatalf("read with cache down: %v %+v", err, got)
	}
	done := true
	if _, err := svc.Update(ctx, created.ID, "u1", domain.TaskPatch{Completed: &done}); err != nil {
		t.Fatalf("update with cache down: %v", err)
	}
	if err := svc.Delete(ctx, created.ID, "u1"); err != nil {
		t.Fatalf("delete with cache down: %v", err)
	}
	if len(rec.all()) != 3 {
		t.Fatalf("broadcasts must not be affected by the cache, got %d", len(rec.all()))
	}
}

func TestListPagesNewestFirst(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := svc.Create(ctx, "u1", fmt.Sprintf("task %d", i)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := svc.Create(ctx, "u2", "not mine"); err != nil {
		t.Fatalf("create: %v", err)
	}

	page, err := svc.List(ctx, "u1", 1, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 5 || page.TotalPages != 3 || len(page.Items) != 2 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if page.Items[0].Title != "task 5" || page.Items[1].Title != "task 4" {
		t.Fatalf("expected newest first, got %+v", page.Items)
	}

	last, err := svc.List(ctx, "u1", 3, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(last.Items) != 1 || last.Items[0].Title != "task 1" {
		t.Fatalf("unexpected last page: %+v", last.Items)
	}
}

func TestListClampsPageAndLimit(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	page, err := svc.List(ctx, "u1", -3, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Page != 1 || page.Limit != DefaultPageSize {
		t.Fatalf("expected clamped defaults, got page=%d limit=%d", page.Page, page.Limit)
	}

	page, err = svc.List(ctx, "u1", 1, MaxPageSize+50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Limit != MaxPageSize {
		t.Fatalf("expected limit clamp to %d, got %d", MaxPageSize, page.Limit)
	}
}
