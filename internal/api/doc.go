// Package api содержит HTTP API узла rex.
//
// Структура:
//   - handler.go          — Handler с DI (контроллер, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (logging, recovery, metrics)
//   - response.go         — унифицированные JSON-ответы и отображение ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - graph_handler.go    — установка графов
//   - task_handler.go     — административные операции над tasks
//   - queue_handler.go    — счётчики очередей
//   - callback_handler.go — callbacks удалённых систем (accept, fail, beat)
//
// Административная часть используется операторами и CLI, callbacks
// вызываются удалёнными системами по адресам из тела запроса старта.
package api
