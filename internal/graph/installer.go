// Package graph проверяет и готовит установку графа tasks.
//
// Build не пишет в хранилище: он валидирует запрос, проверяет
// ацикличность объединения новых и существующих рёбер и возвращает
// Plan, который контроллер применяет внутри своей транзакции.
package graph

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shaiso/rex/internal/domain"
)

// Lookup возвращает существующий task. Для отсутствующего task
// возвращает ошибку, удовлетворяющую errors.Is(err, domain.ErrTaskMissing).
type Lookup func(ctx context.Context, name string) (*domain.Task, error)

// Plan — результат проверки запроса установки.
type Plan struct {
	// Tasks — новые tasks в топологическом порядке (зависимости раньше).
	Tasks []*domain.Task

	// Touched — существующие tasks, у которых изменились рёбра.
	Touched []*domain.Task
}

// node — вершина графа для проверки циклов.
type node struct {
	name       string
	dependsOn  map[string]bool
	dependents []string
}

// Build проверяет запрос и строит Plan.
//
// Существующие tasks, полученные через lookup, изменяются только после
// успешного завершения всех проверок.
func Build(ctx context.Context, req domain.CreateGraphRequest, lookup Lookup, now time.Time) (*Plan, error) {
	if len(req.Tasks) == 0 && len(req.Edges) == 0 {
		return nil, badRequest("", "tasks", "graph is empty")
	}

	fresh := make(map[string]*domain.Task, len(req.Tasks))
	order := make([]string, 0, len(req.Tasks))
	constraints := make(map[string]string)

	for _, tr := range req.Tasks {
		task, err := newTask(tr, now)
		if err != nil {
			return nil, err
		}
		if _, dup := fresh[task.Name]; dup {
			return nil, conflict(task.Name, "name", "task declared twice")
		}
		if task.Constraint != "" {
			if holder, taken := constraints[task.Constraint]; taken {
				return nil, conflict(task.Name, "constraint", "constraint %q already used by %s", task.Constraint, holder)
			}
			constraints[task.Constraint] = task.Name
		}

		existing, err := find(ctx, lookup, task.Name)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, conflict(task.Name, "name", "task already exists")
		}

		fresh[task.Name] = task
		order = append(order, task.Name)
	}

	existing := make(map[string]*domain.Task)
	resolve := func(name string) (*domain.Task, bool, error) {
		if t, ok := fresh[name]; ok {
			return t, true, nil
		}
		if t, ok := existing[name]; ok {
			return t, false, nil
		}
		t, err := find(ctx, lookup, name)
		if err != nil || t == nil {
			return nil, false, err
		}
		existing[name] = t
		return t, false, nil
	}

	// Milestone должен ссылаться на известный task
	for _, name := range order {
		task := fresh[name]
		if task.MilestoneTask == "" {
			continue
		}
		m, _, err := resolve(task.MilestoneTask)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, badRequest(name, "milestone_task", "milestone %s does not exist", task.MilestoneTask)
		}
	}

	edges, err := validateEdges(req.Edges, resolve)
	if err != nil {
		return nil, err
	}

	if err := checkAcyclic(ctx, edges, fresh, existing, lookup); err != nil {
		return nil, err
	}

	// Все проверки пройдены — применяем рёбра
	touched := make(map[string]*domain.Task)
	for _, e := range edges {
		source, _, _ := resolve(e.Source)
		target, _, _ := resolve(e.Target)

		if source.AddDependency(target.Name) {
			if target.State == domain.StateSuccessful {
				source.ResolvedDependencies = append(source.ResolvedDependencies, target.Name)
			} else {
				source.UnfinishedDependencies++
			}
		}
		target.AddDependant(source.Name)

		if _, ok := existing[source.Name]; ok {
			touched[source.Name] = source
		}
		if _, ok := existing[target.Name]; ok {
			touched[target.Name] = target
		}
	}

	plan := &Plan{
		Tasks:   make([]*domain.Task, 0, len(order)),
		Touched: make([]*domain.Task, 0, len(touched)),
	}
	for _, name := range topologicalNames(edges, order, fresh) {
		plan.Tasks = append(plan.Tasks, fresh[name])
	}
	for _, t := range touched {
		plan.Touched = append(plan.Touched, t)
	}
	sort.Slice(plan.Touched, func(i, j int) bool { return plan.Touched[i].Name < plan.Touched[j].Name })

	return plan, nil
}

// newTask проверяет описание и создаёт task в состоянии NEW.
func newTask(tr domain.CreateTaskRequest, now time.Time) (*domain.Task, error) {
	name := strings.TrimSpace(tr.Name)
	if name == "" {
		return nil, badRequest("", "name", "task has empty name")
	}
	if name != tr.Name {
		return nil, badRequest(tr.Name, "name", "task name has surrounding whitespace")
	}

	if tr.RemoteStart == nil || tr.RemoteStart.URI == "" {
		return nil, badRequest(name, "remote_start", "remote start uri is required")
	}

	mode := tr.Mode
	if mode == "" {
		mode = domain.ModeIdle
	}
	if mode != domain.ModeIdle && mode != domain.ModeActive {
		return nil, badRequest(name, "mode", "install mode must be IDLE or ACTIVE, got %q", tr.Mode)
	}

	cfg := tr.Configuration
	if cfg.RollbackLimit < 0 {
		return nil, badRequest(name, "configuration.rollback_limit", "rollback limit must be non-negative")
	}
	if cfg.Heartbeat && cfg.HeartbeatIntervalMs <= 0 {
		return nil, badRequest(name, "configuration.heartbeat_interval_ms", "heartbeat requires a positive interval")
	}
	if cfg.CancelTimeoutMs < 0 {
		return nil, badRequest(name, "configuration.cancel_timeout_ms", "cancel timeout must be non-negative")
	}
	if tr.MilestoneTask == name {
		return nil, badRequest(name, "milestone_task", "task cannot be its own milestone")
	}

	return &domain.Task{
		Name:                name,
		Constraint:          tr.Constraint,
		CorrelationID:       tr.CorrelationID,
		Queue:               tr.Queue,
		State:               domain.StateNew,
		Mode:                mode,
		StopFlag:            domain.StopFlagNone,
		RemoteStart:         tr.RemoteStart,
		RemoteCancel:        tr.RemoteCancel,
		RemoteRollback:      tr.RemoteRollback,
		CallerNotifications: tr.CallerNotifications,
		Configuration:       cfg,
		MilestoneTask:       tr.MilestoneTask,
		Disposable:          tr.Disposable,
		CreatedAt:           now,
	}, nil
}

// validateEdges проверяет рёбра и убирает дубликаты.
func validateEdges(edges []domain.Edge, resolve func(string) (*domain.Task, bool, error)) ([]domain.Edge, error) {
	seen := make(map[domain.Edge]bool, len(edges))
	result := make([]domain.Edge, 0, len(edges))

	for _, e := range edges {
		if e.Source == "" || e.Target == "" {
			return nil, badRequest(e.Source, "edges", "edge %s -> %s has an empty endpoint", e.Source, e.Target)
		}
		if e.Source == e.Target {
			return nil, &CycleError{Nodes: []string{e.Source}}
		}
		if seen[e] {
			continue
		}
		seen[e] = true

		source, sourceIsNew, err := resolve(e.Source)
		if err != nil {
			return nil, err
		}
		if source == nil {
			return nil, badRequest(e.Source, "edges", "edge source %s does not exist", e.Source)
		}
		target, _, err := resolve(e.Target)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, badRequest(e.Source, "edges", "edge target %s does not exist", e.Target)
		}

		// Рёбра меняются только у tasks в группе IDLE
		if !sourceIsNew && !source.State.IsIdle() {
			return nil, conflict(e.Source, "edges", "cannot add dependency to task in state %s", source.State)
		}
		switch target.State.Group() {
		case domain.GroupIdle, domain.GroupQueued, domain.GroupRunning:
		default:
			if target.State != domain.StateSuccessful {
				return nil, conflict(e.Source, "edges", "dependency %s is in state %s", e.Target, target.State)
			}
		}

		result = append(result, e)
	}
	return result, nil
}

// checkAcyclic проверяет ацикличность объединения новых рёбер и
// существующих зависимостей (алгоритм Кана).
func checkAcyclic(ctx context.Context, edges []domain.Edge, fresh, existing map[string]*domain.Task, lookup Lookup) error {
	if len(edges) == 0 {
		return nil
	}

	nodes := make(map[string]*node)
	get := func(name string) *node {
		n, ok := nodes[name]
		if !ok {
			n = &node{name: name, dependsOn: make(map[string]bool)}
			nodes[name] = n
		}
		return n
	}
	link := func(source, target string) {
		s := get(source)
		if s.dependsOn[target] {
			return
		}
		s.dependsOn[target] = true
		t := get(target)
		t.dependents = append(t.dependents, source)
	}

	for _, e := range edges {
		link(e.Source, e.Target)
	}

	// Обходим существующие зависимости от затронутых существующих tasks
	var pending []string
	for name := range nodes {
		if _, ok := fresh[name]; !ok {
			pending = append(pending, name)
		}
	}
	visited := make(map[string]bool)
	for len(pending) > 0 {
		name := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if visited[name] {
			continue
		}
		visited[name] = true

		task, ok := existing[name]
		if !ok {
			t, err := find(ctx, lookup, name)
			if err != nil {
				return err
			}
			if t == nil {
				continue
			}
			existing[name] = t
			task = t
		}
		for _, dep := range task.Dependencies {
			link(name, dep)
			if !visited[dep] {
				pending = append(pending, dep)
			}
		}
	}

	inDegree := make(map[string]int, len(nodes))
	var queue []string
	for name, n := range nodes {
		inDegree[name] = len(n.dependsOn)
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	processed := 0
	for len(queue) > 0 {
		n := nodes[queue[0]]
		queue = queue[1:]
		processed++

		for _, dependent := range n.dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if processed == len(nodes) {
		return nil
	}

	var cyclic []string
	for name, d := range inDegree {
		if d > 0 {
			cyclic = append(cyclic, name)
		}
	}
	sort.Strings(cyclic)
	return &CycleError{Nodes: cyclic}
}

// topologicalNames упорядочивает новые tasks: зависимости раньше dependants.
// Порядок среди независимых tasks совпадает с порядком в запросе.
func topologicalNames(edges []domain.Edge, order []string, fresh map[string]*domain.Task) []string {
	inDegree := make(map[string]int, len(order))
	dependents := make(map[string][]string)
	for _, e := range edges {
		if _, ok := fresh[e.Source]; !ok {
			continue
		}
		if _, ok := fresh[e.Target]; !ok {
			continue
		}
		inDegree[e.Source]++
		dependents[e.Target] = append(dependents[e.Target], e.Source)
	}

	result := make([]string, 0, len(order))
	done := make(map[string]bool, len(order))
	for len(result) < len(order) {
		progressed := false
		for _, name := range order {
			if done[name] || inDegree[name] > 0 {
				continue
			}
			done[name] = true
			progressed = true
			result = append(result, name)
			for _, d := range dependents[name] {
				inDegree[d]--
			}
		}
		if !progressed {
			// Не должно случиться после checkAcyclic
			break
		}
	}
	return result
}

func find(ctx context.Context, lookup Lookup, name string) (*domain.Task, error) {
	task, err := lookup(ctx, name)
	if errors.Is(err, domain.ErrTaskMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}
