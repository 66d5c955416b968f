package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"tasksync-api/domain"
)

// Storage persists tasks in Azure Table Storage. Each user owns one
// partition; the row key is the task id, so every operation is scoped by
// owner at the storage layer.
type Storage struct {
	taskTable *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable string) (*Storage, error) {
	clientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &clientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{taskTable: svc.NewClient(tasksTable)}, nil
}

type taskEntity struct {
	aztables.Entity
	Title     string `json:"Title"`
	Completed bool   `json:"Completed"`
	CreatedAt int64  `json:"CreatedAt"`
}

func (e taskEntity) toTask() domain.Task {
	return domain.Task{
		ID:        e.RowKey,
		UserID:    e.PartitionKey,
		Title:     e.Title,
		Completed: e.Completed,
		CreatedAt: e.CreatedAt,
	}
}

// CreateTask inserts a new task for the user. The store assigns the id and
// the creation timestamp.
func (s *Storage) CreateTask(ctx context.Context, userID, title string) (domain.Task, error) {
	ent := taskEntity{
		Entity:    aztables.Entity{PartitionKey: userID, RowKey: uuid.NewString()},
		Title:     title,
		CreatedAt: nextTimestamp(),
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, data, nil); err != nil {
		return domain.Task{}, err
	}
	return ent.toTask(), nil
}

// GetTask fetches one task scoped by owner. It returns nil when the task
// does not exist or belongs to a different user.
func (s *Storage) GetTask(ctx context.Context, id, userID string) (*domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, userID, id, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	t := ent.toTask()
	return &t, nil
}

// UpdateTask applies the patch to the stored row and returns the new state,
// or nil when no row matches (id, userID). Concurrent writers race at the
// table layer; last write wins.
func (s *Storage) UpdateTask(ctx context.Context, id, userID string, patch domain.TaskPatch) (*domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, userID, id, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return nil, err
	}
	if patch.Title != nil {
		ent.Title = *patch.Title
	}
	if patch.Completed != nil {
		ent.Completed = *patch.Completed
	}
	data, err := json.Marshal(ent)
	if err != nil {
		return nil, err
	}
	updateOptions := aztables.UpdateEntityOptions{UpdateMode: aztables.UpdateModeReplace}
	if _, err := s.taskTable.UpdateEntity(ctx, data, &updateOptions); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	t := ent.toTask()
	return &t, nil
}

// DeleteTask removes the task scoped by owner and reports whether a row was
// affected.
func (s *Storage) DeleteTask(ctx context.Context, id, userID string) (bool, error) {
	if _, err := s.taskTable.DeleteEntity(ctx, userID, id, nil); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListTasks returns one page of the user's tasks ordered by creation time
// descending, plus the total number of tasks the user owns.
func (s *Storage) ListTasks(ctx context.Context, userID string, skip, take int) ([]domain.Task, int, error) {
	filter := "PartitionKey eq '" + userID + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, 0, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, 0, err
			}
			tasks = append(tasks, ent.toTask())
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt > tasks[j].CreatedAt
		}
		return tasks[i].ID > tasks[j].ID
	})
	total := len(tasks)
	if skip < 0 {
		skip = 0
	}
	if skip >= total {
		return []domain.Task{}, total, nil
	}
	end := skip + take
	if take <= 0 || end > total {
		end = total
	}
	return tasks[skip:end], total, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
