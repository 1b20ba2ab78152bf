package domain

import "errors"

// Таксономия ошибок контроллера.
var (
	// ErrTaskMissing — task с указанным именем не найден.
	ErrTaskMissing = errors.New("task missing")

	// ErrTaskConflict — недопустимый переход или повторная установка task.
	ErrTaskConflict = errors.New("task conflict")

	// ErrCircularDependency — граф содержит цикл.
	ErrCircularDependency = errors.New("circular dependency")

	// ErrBadRequest — некорректный граф или ребро.
	ErrBadRequest = errors.New("bad request")

	// ErrConcurrentUpdate — конфликт версий в хранилище, попытки исчерпаны.
	ErrConcurrentUpdate = errors.New("concurrent update")

	// ErrRemoteCall — удалённый вызов не удался.
	ErrRemoteCall = errors.New("remote call failed")
)
