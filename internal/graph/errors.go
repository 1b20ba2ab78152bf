package graph

import (
	"fmt"
	"strings"

	"github.com/shaiso/rex/internal/domain"
)

// ValidationError — ошибка валидации графа с контекстом.
type ValidationError struct {
	Task    string // task, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка из domain
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Task != "" {
		return "task " + e.Task + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

func badRequest(task, field, format string, args ...any) *ValidationError {
	return &ValidationError{
		Task:    task,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
		Err:     domain.ErrBadRequest,
	}
}

func conflict(task, field, format string, args ...any) *ValidationError {
	return &ValidationError{
		Task:    task,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
		Err:     domain.ErrTaskConflict,
	}
}

// CycleError — обнаружен цикл. Nodes — tasks, не попавшие в топологический порядок.
type CycleError struct {
	Nodes []string
}

// Error реализует интерфейс error.
func (e *CycleError) Error() string {
	return "cycle among tasks: " + strings.Join(e.Nodes, ", ")
}

// Unwrap возвращает domain.ErrCircularDependency.
func (e *CycleError) Unwrap() error {
	return domain.ErrCircularDependency
}
