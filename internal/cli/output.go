package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
)

// Output форматирует ответы API для терминала: таблицы или JSON (--json).
// Данные пишутся в stdout, сообщения о результате команды — в stderr.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput создаёт Output поверх stdout и stderr.
func NewOutput(jsonMode bool) *Output {
	return &Output{
		jsonMode: jsonMode,
		w:        os.Stdout,
		errW:     os.Stderr,
	}
}

var (
	taskHeaders     = []string{"NAME", "QUEUE", "STATE", "MODE", "STOP_FLAG", "UNFINISHED", "DEPENDENCIES", "CREATED"}
	responseHeaders = []string{"AT", "STATE", "RESULT", "ORIGIN", "BODY"}
	queueHeaders    = []string{"QUEUE", "MAXIMUM", "RUNNING", "FREE"}
)

// Tasks выводит список tasks.
func (o *Output) Tasks(tasks []TaskResponse) {
	if o.jsonMode {
		o.JSON(tasks)
		return
	}
	rows := make([][]string, len(tasks))
	for i, t := range tasks {
		rows[i] = taskRow(t)
	}
	o.table(taskHeaders, rows)
}

// Task выводит task и журнал ответов, вызвавших его переходы.
func (o *Output) Task(t *TaskResponse) {
	if o.jsonMode {
		o.JSON(t)
		return
	}
	o.table(taskHeaders, [][]string{taskRow(*t)})

	if len(t.ServerResponses) == 0 {
		return
	}
	rows := make([][]string, len(t.ServerResponses))
	for i, r := range t.ServerResponses {
		rows[i] = responseRow(r)
	}
	fmt.Fprintln(o.w)
	o.table(responseHeaders, rows)
}

// Queue выводит счётчики очереди.
func (o *Output) Queue(q *QueueResponse) {
	if o.jsonMode {
		o.JSON(q)
		return
	}
	free := max(0, q.Maximum-q.Running)
	o.table(queueHeaders, [][]string{{
		queueLabel(q.Queue),
		strconv.Itoa(q.Maximum),
		strconv.Itoa(q.Running),
		strconv.Itoa(free),
	}})
}

// Running выводит только число занятых слотов, чтобы его можно было
// использовать в скриптах.
func (o *Output) Running(q *QueueResponse) {
	if o.jsonMode {
		o.JSON(q)
		return
	}
	fmt.Fprintln(o.w, q.Running)
}

// JSON выводит значение в формате JSON с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// Success выводит сообщение об успехе в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error выводит сообщение об ошибке в stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}

func (o *Output) table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(dashes, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	tw.Flush()
}

func taskRow(t TaskResponse) []string {
	return []string{
		t.Name,
		queueLabel(t.Queue),
		t.State,
		t.Mode,
		orDash(stopFlag(t.StopFlag)),
		strconv.Itoa(t.Unfinished),
		orDash(strings.Join(t.Dependencies, ",")),
		t.CreatedAt,
	}
}

func responseRow(r ServerResponse) []string {
	result := "negative"
	if r.Positive {
		result = "positive"
	}
	return []string{r.At, r.State, result, r.Origin, orDash(string(r.Body))}
}

// queueLabel показывает очередь по умолчанию как $default.
func queueLabel(q string) string {
	if q == "" {
		return DefaultQueue
	}
	return q
}

// stopFlag скрывает NONE, чтобы флаг был виден только у остановленных tasks.
func stopFlag(f string) string {
	if f == "NONE" {
		return ""
	}
	return f
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
