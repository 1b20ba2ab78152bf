package domain

// State — состояние task в жизненном цикле.
//
// Группы состояний:
//
//	IDLE          NEW, WAITING
//	QUEUED        ENQUEUED
//	RUNNING       STARTING, UP, STOP_REQUESTED, STOPPING
//	FINAL         START_FAILED, STOP_FAILED, FAILED, SUCCESSFUL, STOPPED
//	ROLLBACK_TODO ROLLBACK_TRIGGERED
//	ROLLBACK      TO_ROLLBACK, ROLLBACK_REQUESTED, ROLLINGBACK, ROLLEDBACK, ROLLBACK_FAILED
type State string

const (
	StateNew               State = "NEW"
	StateWaiting           State = "WAITING"
	StateEnqueued          State = "ENQUEUED"
	StateStarting          State = "STARTING"
	StateUp                State = "UP"
	StateStopRequested     State = "STOP_REQUESTED"
	StateStopping          State = "STOPPING"
	StateStartFailed       State = "START_FAILED"
	StateStopFailed        State = "STOP_FAILED"
	StateFailed            State = "FAILED"
	StateSuccessful        State = "SUCCESSFUL"
	StateStopped           State = "STOPPED"
	StateRollbackTriggered State = "ROLLBACK_TRIGGERED"
	StateToRollback        State = "TO_ROLLBACK"
	StateRollbackRequested State = "ROLLBACK_REQUESTED"
	StateRollingBack       State = "ROLLINGBACK"
	StateRolledBack        State = "ROLLEDBACK"
	StateRollbackFailed    State = "ROLLBACK_FAILED"
)

// AllStates — все состояния в порядке жизненного цикла.
var AllStates = []State{
	StateNew, StateWaiting, StateEnqueued,
	StateStarting, StateUp, StateStopRequested, StateStopping,
	StateStartFailed, StateStopFailed, StateFailed, StateSuccessful, StateStopped,
	StateRollbackTriggered,
	StateToRollback, StateRollbackRequested, StateRollingBack, StateRolledBack, StateRollbackFailed,
}

// StateGroup — группа состояний.
type StateGroup string

const (
	GroupIdle         StateGroup = "IDLE"
	GroupQueued       StateGroup = "QUEUED"
	GroupRunning      StateGroup = "RUNNING"
	GroupFinal        StateGroup = "FINAL"
	GroupRollbackTodo StateGroup = "ROLLBACK_TODO"
	GroupRollback     StateGroup = "ROLLBACK"
)

// Group возвращает группу состояния.
func (s State) Group() StateGroup {
	switch s {
	case StateNew, StateWaiting:
		return GroupIdle
	case StateEnqueued:
		return GroupQueued
	case StateStarting, StateUp, StateStopRequested, StateStopping:
		return GroupRunning
	case StateStartFailed, StateStopFailed, StateFailed, StateSuccessful, StateStopped:
		return GroupFinal
	case StateRollbackTriggered:
		return GroupRollbackTodo
	default:
		return GroupRollback
	}
}

// IsValid проверяет, что значение — одно из известных состояний.
func (s State) IsValid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// IsIdle — NEW или WAITING.
func (s State) IsIdle() bool { return s.Group() == GroupIdle }

// IsQueued — ENQUEUED.
func (s State) IsQueued() bool { return s.Group() == GroupQueued }

// IsRunning — task занимает слот очереди.
func (s State) IsRunning() bool { return s.Group() == GroupRunning }

// IsFinal — task завершён (успешно или нет).
func (s State) IsFinal() bool { return s.Group() == GroupFinal }

// IsRollback — task участвует в откате.
func (s State) IsRollback() bool { return s.Group() == GroupRollback }

// IsNotStarted — task ещё не запускался (IDLE или QUEUED).
func (s State) IsNotStarted() bool { return s.IsIdle() || s.IsQueued() }

// IsFailedFinal возвращает true для неуспешных финальных состояний.
func (s State) IsFailedFinal() bool {
	return s.IsFinal() && s != StateSuccessful
}

// StopsDependants возвращает true, если переход в это состояние
// останавливает ещё не запущенных dependants.
func (s State) StopsDependants() bool {
	return s.IsFailedFinal() || s == StateStopRequested || s == StateStopping
}

// Mode — намерение пользователя/контроллера.
type Mode string

const (
	// ModeIdle — task не продвигается автоматически.
	ModeIdle Mode = "IDLE"

	// ModeActive — task продвигается по мере готовности зависимостей и очереди.
	ModeActive Mode = "ACTIVE"

	// ModeCancel — task нужно остановить.
	ModeCancel Mode = "CANCEL"
)

// IsValid проверяет значение Mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeIdle, ModeActive, ModeCancel:
		return true
	default:
		return false
	}
}

// StopFlag — причина остановки. Устанавливается один раз.
type StopFlag string

const (
	StopFlagNone             StopFlag = "NONE"
	StopFlagCancelled        StopFlag = "CANCELLED"
	StopFlagUnsuccessful     StopFlag = "UNSUCCESSFUL"
	StopFlagDependencyFailed StopFlag = "DEPENDENCY_FAILED"
)

// Origin — источник ответа, вызвавшего переход.
type Origin string

const (
	// OriginRemoteEntity — ответ пришёл от удалённой системы.
	OriginRemoteEntity Origin = "REMOTE_ENTITY"

	// OriginInternalError — удалённый вызов не удался после всех попыток.
	OriginInternalError Origin = "REX_INTERNAL_ERROR"

	// OriginTimeout — истёк cancel timeout.
	OriginTimeout Origin = "REX_TIMEOUT"

	// OriginHeartbeatTimeout — удалённая система перестала присылать heartbeat.
	OriginHeartbeatTimeout Origin = "REX_HEARTBEAT_TIMEOUT"

	// OriginInternal — подтверждение, синтезированное самим контроллером
	// (например, 2xx на запрос остановки).
	OriginInternal Origin = "REX"
)

// ResponseFlag — флаг в ответе удалённой системы.
type ResponseFlag string

const (
	// FlagSkipRollback — не запускать откат для этой ошибки.
	FlagSkipRollback ResponseFlag = "SKIP_ROLLBACK"
)

// ErrorOption — поведение callback, если task уже не существует.
type ErrorOption string

const (
	// ErrorOptionIgnore — молча игнорировать отсутствующий task.
	ErrorOptionIgnore ErrorOption = "IGNORE"

	// ErrorOptionPassError — вернуть ошибку вызывающему.
	ErrorOptionPassError ErrorOption = "PASS_ERROR"
)
