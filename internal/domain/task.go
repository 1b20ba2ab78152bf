package domain

import (
	"encoding/json"
	"slices"
	"time"
)

// Task — узел графа: один удалённый вызов и его жизненный цикл.
//
// Task создаётся установщиком графа в состоянии NEW и дальше меняется
// только контроллером внутри транзакции. Версия записи хранится
// в хранилище, а не в самой структуре.
type Task struct {
	// Name — уникальное имя task (ключ в хранилище).
	Name string `json:"name"`

	// Constraint — необязательный ключ уникальности среди живых tasks.
	Constraint string `json:"constraint,omitempty"`

	// CorrelationID — произвольный ключ группировки.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Queue — имя очереди, пустая строка означает очередь по умолчанию.
	Queue string `json:"queue,omitempty"`

	State    State    `json:"state"`
	Mode     Mode     `json:"mode"`
	StopFlag StopFlag `json:"stop_flag"`

	// Dependencies — tasks, от которых зависит этот task.
	Dependencies []string `json:"dependencies,omitempty"`

	// Dependants — tasks, которые зависят от этого task.
	Dependants []string `json:"dependants,omitempty"`

	// UnfinishedDependencies — сколько зависимостей ещё не завершились успешно.
	UnfinishedDependencies int `json:"unfinished_dependencies"`

	// ResolvedDependencies — зависимости, успех которых уже учтён.
	// Повторная доставка того же результата не уменьшает счётчик дважды.
	ResolvedDependencies []string `json:"resolved_dependencies,omitempty"`

	RemoteStart         *Request `json:"remote_start,omitempty"`
	RemoteCancel        *Request `json:"remote_cancel,omitempty"`
	RemoteRollback      *Request `json:"remote_rollback,omitempty"`
	CallerNotifications *Request `json:"caller_notifications,omitempty"`

	// ServerResponses — журнал ответов, вызвавших переходы (только добавление).
	ServerResponses []ServerResponse `json:"server_responses,omitempty"`

	Configuration Configuration `json:"configuration"`

	// MilestoneTask — task, от которого начинается откат подграфа.
	MilestoneTask string `json:"milestone_task,omitempty"`

	// RollbackDependants — сколько dependants из подграфа отката ещё не откатились.
	RollbackDependants int `json:"rollback_dependants"`

	// RollbackDependencies — сколько зависимостей из подграфа отката ещё не сброшены.
	RollbackDependencies int `json:"rollback_dependencies"`

	// RollbackPrimed — task входит в текущий откат, но ещё выполняется.
	RollbackPrimed bool `json:"rollback_primed,omitempty"`

	// RollbackMilestone — milestone текущего отката (пусто вне отката).
	RollbackMilestone string `json:"rollback_milestone,omitempty"`

	// ModeBeforeRollback — режим, восстанавливаемый после сброса.
	ModeBeforeRollback Mode `json:"mode_before_rollback,omitempty"`

	// RollbackAttempts — неудачные попытки удалённого отката.
	RollbackAttempts int `json:"rollback_attempts"`

	// RollbackTriggers — сколько раз ошибка этого task запускала откат.
	RollbackTriggers int `json:"rollback_triggers"`

	// Executed — удалённый старт был отправлен хотя бы раз с последнего сброса.
	Executed bool `json:"executed"`

	// FinalNotified — вызывающий получил уведомление о финальном состоянии
	// (учитывается только при delayDependantsForFinalNotification).
	FinalNotified bool `json:"final_notified,omitempty"`

	// NotifyAttempts — повторные отправки финального уведомления.
	NotifyAttempts int `json:"notify_attempts,omitempty"`

	// Disposable — task можно удалить после завершения, когда у него нет dependants.
	Disposable bool `json:"disposable"`

	// LastBeat — время последнего heartbeat.
	LastBeat *time.Time `json:"last_beat,omitempty"`

	// Timestamps — упорядоченный журнал переходов.
	Timestamps []TransitionTime `json:"timestamps,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Request — описание HTTP-запроса к удалённой системе или к вызывающему.
type Request struct {
	URI     string            `json:"uri"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
}

// HTTPMethod возвращает метод запроса (POST по умолчанию).
func (r *Request) HTTPMethod() string {
	if r.Method == "" {
		return "POST"
	}
	return r.Method
}

// ServerResponse — запись журнала ответов.
type ServerResponse struct {
	// State — состояние task в момент получения ответа.
	State    State           `json:"state"`
	Positive bool            `json:"positive"`
	Body     json.RawMessage `json:"body,omitempty"`
	Origin   Origin          `json:"origin"`
	Flags    []ResponseFlag  `json:"flags,omitempty"`
	At       time.Time       `json:"at"`
}

// HasFlag проверяет наличие флага в ответе.
func (r ServerResponse) HasFlag(flag ResponseFlag) bool {
	return slices.Contains(r.Flags, flag)
}

// Configuration — параметры task.
type Configuration struct {
	// PassResultsOfDependencies — передавать ответы зависимостей в тело старта.
	PassResultsOfDependencies bool `json:"pass_results_of_dependencies,omitempty"`

	// DelayDependantsForFinalNotification — освобождать dependants только
	// после успешного финального уведомления вызывающего.
	DelayDependantsForFinalNotification bool `json:"delay_dependants_for_final_notification,omitempty"`

	// RollbackLimit — лимит неудачных попыток отката и повторных запусков отката.
	RollbackLimit int `json:"rollback_limit,omitempty"`

	// Heartbeat — включить проверку heartbeat.
	Heartbeat bool `json:"heartbeat,omitempty"`

	// HeartbeatIntervalMs — ожидаемый интервал heartbeat.
	HeartbeatIntervalMs int64 `json:"heartbeat_interval_ms,omitempty"`

	// HeartbeatToleranceThreshold — сколько интервалов можно пропустить.
	HeartbeatToleranceThreshold int `json:"heartbeat_tolerance_threshold,omitempty"`

	// CancelTimeoutMs — сколько ждать остановки до принудительного STOP_FAILED (0 — без таймаута).
	CancelTimeoutMs int64 `json:"cancel_timeout_ms,omitempty"`
}

// HeartbeatInterval возвращает интервал heartbeat.
func (c Configuration) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// CancelTimeout возвращает таймаут отмены.
func (c Configuration) CancelTimeout() time.Duration {
	return time.Duration(c.CancelTimeoutMs) * time.Millisecond
}

// HeartbeatTolerance — сколько можно ждать heartbeat без учёта задержки обработки.
func (c Configuration) HeartbeatTolerance() time.Duration {
	threshold := c.HeartbeatToleranceThreshold
	if threshold <= 0 {
		threshold = 1
	}
	return c.HeartbeatInterval() * time.Duration(threshold)
}

// TransitionTime — переход и время его выполнения.
type TransitionTime struct {
	Before State     `json:"before"`
	After  State     `json:"after"`
	At     time.Time `json:"at"`
}

// HasDependency проверяет наличие зависимости.
func (t *Task) HasDependency(name string) bool {
	return slices.Contains(t.Dependencies, name)
}

// HasDependant проверяет наличие dependant.
func (t *Task) HasDependant(name string) bool {
	return slices.Contains(t.Dependants, name)
}

// AddDependency добавляет зависимость, если её ещё нет.
func (t *Task) AddDependency(name string) bool {
	if t.HasDependency(name) {
		return false
	}
	t.Dependencies = append(t.Dependencies, name)
	return true
}

// AddDependant добавляет dependant, если его ещё нет.
func (t *Task) AddDependant(name string) bool {
	if t.HasDependant(name) {
		return false
	}
	t.Dependants = append(t.Dependants, name)
	return true
}

// RemoveDependant удаляет dependant.
func (t *Task) RemoveDependant(name string) {
	t.Dependants = slices.DeleteFunc(t.Dependants, func(s string) bool { return s == name })
}

// IsResolved проверяет, учтён ли уже успех зависимости.
func (t *Task) IsResolved(dependency string) bool {
	return slices.Contains(t.ResolvedDependencies, dependency)
}

// Resolve учитывает успех зависимости. Возвращает false при повторной доставке.
func (t *Task) Resolve(dependency string) bool {
	if t.IsResolved(dependency) {
		return false
	}
	t.ResolvedDependencies = append(t.ResolvedDependencies, dependency)
	if t.UnfinishedDependencies > 0 {
		t.UnfinishedDependencies--
	}
	return true
}

// EnteredAt возвращает время последнего входа в состояние.
func (t *Task) EnteredAt(state State) (time.Time, bool) {
	for i := len(t.Timestamps) - 1; i >= 0; i-- {
		if t.Timestamps[i].After == state {
			return t.Timestamps[i].At, true
		}
	}
	return time.Time{}, false
}

// StateHistory возвращает последовательность состояний начиная с NEW.
func (t *Task) StateHistory() []State {
	history := []State{StateNew}
	for _, ts := range t.Timestamps {
		history = append(history, ts.After)
	}
	return history
}

// LastPositiveBody возвращает тело последнего положительного ответа.
func (t *Task) LastPositiveBody() json.RawMessage {
	for i := len(t.ServerResponses) - 1; i >= 0; i-- {
		if t.ServerResponses[i].Positive {
			return t.ServerResponses[i].Body
		}
	}
	return nil
}

// Clone возвращает глубокую копию task.
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = slices.Clone(t.Dependencies)
	c.Dependants = slices.Clone(t.Dependants)
	c.ResolvedDependencies = slices.Clone(t.ResolvedDependencies)
	c.ServerResponses = slices.Clone(t.ServerResponses)
	c.Timestamps = slices.Clone(t.Timestamps)
	if t.LastBeat != nil {
		beat := *t.LastBeat
		c.LastBeat = &beat
	}
	return &c
}

// Response — ответ удалённой системы, пришедший в callback,
// или ответ, синтезированный контроллером.
type Response struct {
	// Status — произвольный статус от удалённой системы (только для журнала).
	Status string          `json:"status,omitempty"`
	Body   json.RawMessage `json:"response,omitempty"`
	Flags  []ResponseFlag  `json:"flags,omitempty"`
}
