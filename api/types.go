package api

import (
	"context"

	"tasksync-api/domain"
)

const mutationMaxBodySize = 64 * 1024 // 64 KiB

// TaskService is the mutation pipeline behind the HTTP surface.
type TaskService interface {
	Create(ctx context.Context, userID, title string) (domain.Task, error)
	Get(ctx context.Context, id, userID string) (domain.Task, error)
	Update(ctx context.Context, id, userID string, patch domain.TaskPatch) (domain.Task, error)
	Delete(ctx context.Context, id, userID string) error
	List(ctx context.Context, userID string, page, limit int) (domain.TaskPage, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

type createTodoRequest struct {
	Title string `json:"title"`
}

type errorResponse struct {
	Error string `json:"error"`
}
