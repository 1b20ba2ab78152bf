package domain

// Edge — ребро графа: Source зависит от Target.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// CreateTaskRequest — описание нового task в запросе установки графа.
type CreateTaskRequest struct {
	Name                string        `json:"name"`
	Constraint          string        `json:"constraint,omitempty"`
	CorrelationID       string        `json:"correlation_id,omitempty"`
	Queue               string        `json:"queue,omitempty"`
	Mode                Mode          `json:"mode,omitempty"`
	RemoteStart         *Request      `json:"remote_start"`
	RemoteCancel        *Request      `json:"remote_cancel,omitempty"`
	RemoteRollback      *Request      `json:"remote_rollback,omitempty"`
	CallerNotifications *Request      `json:"caller_notifications,omitempty"`
	Configuration       Configuration `json:"configuration"`
	MilestoneTask       string        `json:"milestone_task,omitempty"`
	Disposable          bool          `json:"disposable,omitempty"`
}

// CreateGraphRequest — запрос установки графа: новые tasks и рёбра.
//
// Рёбра могут ссылаться как на новые, так и на уже существующие tasks.
type CreateGraphRequest struct {
	Tasks []CreateTaskRequest `json:"tasks"`
	Edges []Edge              `json:"edges,omitempty"`
}

// TaskFilter — фильтр для выборки tasks.
type TaskFilter struct {
	States        []State
	Queue         *string
	CorrelationID string
}

// Matches проверяет, подходит ли task под фильтр.
func (f TaskFilter) Matches(t *Task) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if t.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Queue != nil && t.Queue != *f.Queue {
		return false
	}
	if f.CorrelationID != "" && t.CorrelationID != f.CorrelationID {
		return false
	}
	return true
}
