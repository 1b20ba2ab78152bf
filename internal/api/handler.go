package api

import (
	"log/slog"

	"github.com/shaiso/rex/internal/controller"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	ctrl   *controller.Controller
	logger *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Controller *controller.Controller
	Logger     *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ctrl:   cfg.Controller,
		logger: logger,
	}
}
