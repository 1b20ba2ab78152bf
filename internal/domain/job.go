package domain

import (
	"encoding/json"
	"time"
)

// JobType — тип кластерного контрольного job.
type JobType string

const (
	// JobCancelTimeout — принудительный STOP_FAILED для зависшей остановки.
	JobCancelTimeout JobType = "CANCEL_TIMEOUT"

	// JobHeartbeatVerify — проверка heartbeat запущенного task.
	JobHeartbeatVerify JobType = "HEARTBEAT_VERIFY"
)

// ClusteredJobReference — ссылка на контрольный job.
//
// Хранится отдельно от task и достаточна, чтобы восстановить и
// повторно запустить job с любого узла кластера.
type ClusteredJobReference struct {
	ID       string          `json:"id"`
	Owner    string          `json:"owner"`
	Type     JobType         `json:"type"`
	TaskName string          `json:"task_name"`
	Context  json.RawMessage `json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Instance — запись о живом узле кластера.
type Instance struct {
	ID       string    `json:"id"`
	LastSeen time.Time `json:"last_seen"`
}

// IsExpired проверяет, истекла ли аренда узла.
func (i Instance) IsExpired(now time.Time, ttl time.Duration) bool {
	return now.Sub(i.LastSeen) > ttl
}
