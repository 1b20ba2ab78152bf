package txn

import (
	"encoding/json"

	"github.com/shaiso/rex/internal/domain"
)

// Kind — вид отложенного эффекта.
type Kind string

// Виды эффектов.
const (
	// KindStartRemote — POST на remoteStart.
	KindStartRemote Kind = "START_REMOTE"

	// KindStopRemote — POST на remoteCancel.
	KindStopRemote Kind = "STOP_REMOTE"

	// KindRollbackRemote — POST на remoteRollback.
	KindRollbackRemote Kind = "ROLLBACK_REMOTE"

	// KindNotifyCaller — уведомление вызывающего о переходе.
	KindNotifyCaller Kind = "NOTIFY_CALLER"

	// KindNotifyDependant — доставка результата зависимости dependant'у.
	KindNotifyDependant Kind = "NOTIFY_DEPENDANT"

	// KindPokeQueue — проверка свободных слотов очереди.
	KindPokeQueue Kind = "POKE_QUEUE"

	// KindClusterJob — запуск локального таймера контрольного job.
	KindClusterJob Kind = "CLUSTER_JOB"

	// KindCleanup — попытка удалить завершённые disposable tasks.
	KindCleanup Kind = "CLEANUP"

	// KindStartRollback — начать откат от milestone.
	KindStartRollback Kind = "START_ROLLBACK"

	// KindRollbackDependantDone — dependant откатился, зависимость может продолжить.
	KindRollbackDependantDone Kind = "ROLLBACK_DEPENDANT_DONE"

	// KindResetDependant — зависимость сброшена, dependant может сброситься.
	KindResetDependant Kind = "RESET_DEPENDANT"

	// KindReleaseDependants — вызывающий получил финальное уведомление,
	// результат task можно доставить dependants.
	KindReleaseDependants Kind = "RELEASE_DEPENDANTS"

	// KindPublishEvent — публикация перехода во внешнюю шину событий.
	KindPublishEvent Kind = "PUBLISH_EVENT"
)

// Outcome — результат зависимости, доставляемый dependant'у.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeStopped   Outcome = "STOPPED"
)

// Effect — отложенный побочный эффект перехода.
//
// Эффект выполняется только после commit транзакции, в которой он
// был запланирован. Поля заполняются в зависимости от Kind.
type Effect struct {
	Kind Kind `json:"kind"`

	// Task — task, к которому относится эффект.
	Task string `json:"task,omitempty"`

	// Target — второй task (dependant или зависимость).
	Target string `json:"target,omitempty"`

	// Queue — очередь для POKE_QUEUE.
	Queue string `json:"queue,omitempty"`

	// Request — удалённый запрос и подготовленное тело.
	Request *domain.Request `json:"request,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`

	// Transition и Snapshot — для уведомлений и событий.
	Transition *domain.TransitionTime `json:"transition,omitempty"`
	Snapshot   *domain.Task           `json:"snapshot,omitempty"`

	// Outcome — для NOTIFY_DEPENDANT.
	Outcome Outcome `json:"outcome,omitempty"`

	// Job — для CLUSTER_JOB.
	Job *domain.ClusteredJobReference `json:"job,omitempty"`

	// Then — эффекты, которые запускаются только после успешного выполнения этого.
	Then []Effect `json:"then,omitempty"`
}

// IsLocal возвращает true для эффектов, которые нельзя передавать другим узлам.
// Таймер контрольного job должен работать на узле-владельце.
func (e Effect) IsLocal() bool {
	return e.Kind == KindClusterJob
}
