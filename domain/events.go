package domain

// EventAction discriminates change events pushed to live connections.
type EventAction string

const (
	TaskCreated EventAction = "created"
	TaskUpdated EventAction = "updated"
	TaskDeleted EventAction = "deleted"
)

// Event describes one change to a user's task list. Created and updated
// events carry the full task snapshot; deleted events carry only the id.
// Construct events through the New* helpers so the variant stays closed.
type Event struct {
	Action EventAction `json:"action"`
	UserID string      `json:"userId"`
	Task   *Task       `json:"task,omitempty"`
	TaskID string      `json:"taskId,omitempty"`
}

// NewTaskCreated builds a created event carrying the full snapshot.
func NewTaskCreated(t Task) Event {
	return Event{Action: TaskCreated, UserID: t.UserID, Task: &t, TaskID: t.ID}
}

// NewTaskUpdated builds an updated event carrying the full snapshot.
func NewTaskUpdated(t Task) Event {
	return Event{Action: TaskUpdated, UserID: t.UserID, Task: &t, TaskID: t.ID}
}

// NewTaskDeleted builds a deleted event carrying only the identity.
func NewTaskDeleted(userID, taskID string) Event {
	return Event{Action: TaskDeleted, UserID: userID, TaskID: taskID}
}
