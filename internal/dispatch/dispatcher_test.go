package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/mq"
	"github.com/shaiso/rex/internal/txn"
)

type fixture struct {
	engine    *recorder
	caller    *fakeCaller
	publisher *fakePublisher
	scheduler *fakeScheduler
	d         *Dispatcher
}

func newFixture(distribute bool) *fixture {
	f := &fixture{
		engine:    newRecorder(),
		caller:    &fakeCaller{fail: make(map[string]bool)},
		publisher: &fakePublisher{},
		scheduler: &fakeScheduler{},
	}
	f.d = New(Config{
		Engine:     f.engine,
		Caller:     f.caller,
		Scheduler:  f.scheduler,
		Publisher:  f.publisher,
		Distribute: distribute,
	})
	return f
}

func startEffect(task string) txn.Effect {
	return txn.Effect{
		Kind:    txn.KindStartRemote,
		Task:    task,
		Request: &domain.Request{URI: "http://remote/" + task},
		Body:    json.RawMessage(`{"payload":null}`),
	}
}

// --- Run Tests ---

func TestDispatcher_OrderWithinTask(t *testing.T) {
	f := newFixture(false)

	err := f.d.Run(context.Background(), []txn.Effect{
		{Kind: txn.KindNotifyDependant, Task: "a", Target: "b", Outcome: txn.OutcomeSucceeded},
		{Kind: txn.KindNotifyDependant, Task: "a", Target: "c", Outcome: txn.OutcomeSucceeded},
		{Kind: txn.KindPokeQueue, Task: "a", Queue: "q"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := f.engine.Calls()
	want := []string{"notify:a->b:SUCCEEDED", "notify:a->c:SUCCEEDED", "poke:q"}
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d: expected %s, got %s", i, want[i], calls[i])
		}
	}
}

func TestDispatcher_RemoteSuccessSettlesPositive(t *testing.T) {
	f := newFixture(false)

	if err := f.d.Run(context.Background(), []txn.Effect{startEffect("a")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.engine.settled) != 1 {
		t.Fatalf("expected 1 settle, got %d", len(f.engine.settled))
	}
	s := f.engine.settled[0]
	if !s.positive || s.expected != domain.StateStarting || s.origin != domain.OriginRemoteEntity {
		t.Errorf("unexpected settle %+v", s)
	}
	if s.body != `{"ok":true}` {
		t.Errorf("expected response body, got %s", s.body)
	}
}

func TestDispatcher_RemoteFailureSettlesNegative(t *testing.T) {
	f := newFixture(false)
	f.caller.fail["http://remote/rb"] = true

	err := f.d.Run(context.Background(), []txn.Effect{{
		Kind:    txn.KindRollbackRemote,
		Task:    "rb",
		Request: &domain.Request{URI: "http://remote/rb"},
	}})
	if err != nil {
		t.Fatalf("failed remote call must be converted into a response, got %v", err)
	}

	s := f.engine.settled[0]
	if s.positive || s.expected != domain.StateRollbackRequested || s.origin != domain.OriginInternalError {
		t.Errorf("unexpected settle %+v", s)
	}
}

func TestDispatcher_ThenRunsOnlyAfterSuccess(t *testing.T) {
	f := newFixture(false)
	f.caller.fail["http://caller/bad"] = true

	then := []txn.Effect{{Kind: txn.KindReleaseDependants, Task: "a"}}

	err := f.d.Run(context.Background(), []txn.Effect{{
		Kind:    txn.KindNotifyCaller,
		Task:    "a",
		Request: &domain.Request{URI: "http://caller/bad"},
		Then:    then,
	}})
	if !errors.Is(err, domain.ErrRemoteCall) {
		t.Fatalf("expected ErrRemoteCall, got %v", err)
	}
	if calls := f.engine.Calls(); len(calls) != 0 {
		t.Fatalf("dependants must wait for the notification, got %v", calls)
	}

	err = f.d.Run(context.Background(), []txn.Effect{{
		Kind:    txn.KindNotifyCaller,
		Task:    "a",
		Request: &domain.Request{URI: "http://caller/ok"},
		Then:    then,
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls := f.engine.Calls(); len(calls) != 1 || calls[0] != "release:a" {
		t.Errorf("expected chained release, got %v", calls)
	}
}

func TestDispatcher_ErrorsAggregated(t *testing.T) {
	f := newFixture(false)
	f.engine.fail["poke:q"] = errors.New("boom")
	f.engine.fail["clean"] = errors.New("bang")

	err := f.d.Run(context.Background(), []txn.Effect{
		{Kind: txn.KindPokeQueue, Task: "a", Queue: "q"},
		{Kind: txn.KindCleanup, Task: "b"},
		{Kind: txn.KindResetDependant, Task: "c"},
	})
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if len(f.engine.Calls()) != 3 {
		t.Errorf("a failed effect must not stop other effects, got %v", f.engine.Calls())
	}
}

func TestDispatcher_InternalKinds(t *testing.T) {
	f := newFixture(false)

	err := f.d.Run(context.Background(), []txn.Effect{
		{Kind: txn.KindStartRollback, Task: "m", Target: "t"},
		{Kind: txn.KindRollbackDependantDone, Task: "p", Target: "d"},
		{Kind: txn.KindResetDependant, Task: "d", Target: "p"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := map[string]bool{}
	for _, c := range f.engine.Calls() {
		got[c] = true
	}
	for _, want := range []string{"rollback:m:t", "unwind:p", "reset:d"} {
		if !got[want] {
			t.Errorf("missing call %s in %v", want, f.engine.Calls())
		}
	}
}

func TestDispatcher_ClusterJobScheduledLocally(t *testing.T) {
	f := newFixture(true)
	f.publisher.connected = true

	ref := domain.ClusteredJobReference{ID: "j1", Type: domain.JobCancelTimeout, TaskName: "a"}
	if err := f.d.Run(context.Background(), []txn.Effect{{Kind: txn.KindClusterJob, Task: "a", Job: &ref}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.scheduler.refs) != 1 || f.scheduler.refs[0].ID != "j1" {
		t.Errorf("expected scheduled job, got %+v", f.scheduler.refs)
	}
	if len(f.publisher.effects) != 0 {
		t.Errorf("cluster jobs must never leave the node, got %v", f.publisher.effects)
	}
}

// --- Distribution Tests ---

func TestDispatcher_DistributesInternalEffects(t *testing.T) {
	f := newFixture(true)
	f.publisher.connected = true

	err := f.d.Run(context.Background(), []txn.Effect{
		{Kind: txn.KindPokeQueue, Task: "a", Queue: "q"},
		startEffect("b"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.publisher.effects) != 1 {
		t.Fatalf("expected 1 published effect, got %d", len(f.publisher.effects))
	}
	if calls := f.engine.Calls(); len(calls) != 1 || calls[0] != "settle:b" {
		t.Errorf("remote calls run locally, got %v", calls)
	}
}

func TestDispatcher_PublishFailureFallsBackToLocal(t *testing.T) {
	f := newFixture(true)
	f.publisher.connected = true
	f.publisher.broken = true

	if err := f.d.Run(context.Background(), []txn.Effect{{Kind: txn.KindPokeQueue, Task: "a", Queue: "q"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls := f.engine.Calls(); len(calls) != 1 || calls[0] != "poke:q" {
		t.Errorf("expected local poke, got %v", calls)
	}
}

func TestDispatcher_DisconnectedBrokerRunsLocally(t *testing.T) {
	f := newFixture(true)

	if err := f.d.Run(context.Background(), []txn.Effect{{Kind: txn.KindCleanup, Task: "a"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.publisher.effects) != 0 || len(f.engine.Calls()) != 1 {
		t.Errorf("expected local cleanup, published %v, calls %v", f.publisher.effects, f.engine.Calls())
	}
}

func TestDispatcher_HandleMessage(t *testing.T) {
	f := newFixture(true)

	msg, err := mq.NewMessage(mq.MessageTypeEffect, "node-2", txn.Effect{
		Kind:    txn.KindNotifyDependant,
		Task:    "a",
		Target:  "b",
		Outcome: txn.OutcomeStopped,
	}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := f.d.Handle(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls := f.engine.Calls(); len(calls) != 1 || calls[0] != "notify:a->b:STOPPED" {
		t.Errorf("unexpected calls %v", calls)
	}
}

// --- Event Tests ---

func TestDispatcher_PublishEvent(t *testing.T) {
	f := newFixture(false)
	f.publisher.connected = true

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	err := f.d.Run(context.Background(), []txn.Effect{{
		Kind:       txn.KindPublishEvent,
		Task:       "a",
		Transition: &domain.TransitionTime{Before: domain.StateUp, After: domain.StateSuccessful, At: at},
		Snapshot:   &domain.Task{Name: "a", State: domain.StateSuccessful},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.publisher.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(f.publisher.events))
	}
	e := f.publisher.events[0]
	if e.Task != "a" || e.Before != "UP" || e.After != "SUCCESSFUL" || !e.At.Equal(at) {
		t.Errorf("unexpected event %+v", e)
	}
	if len(e.Snapshot) == 0 {
		t.Error("expected task snapshot in event")
	}
}

// --- Lifecycle Tests ---

func TestDispatcher_DispatchAndWait(t *testing.T) {
	f := newFixture(false)

	f.d.Dispatch(context.Background(), []txn.Effect{
		{Kind: txn.KindPokeQueue, Task: "a", Queue: "q1"},
		{Kind: txn.KindPokeQueue, Task: "b", Queue: "q2"},
	})
	f.d.Wait()

	if len(f.engine.Calls()) != 2 {
		t.Errorf("expected 2 calls after Wait, got %v", f.engine.Calls())
	}
}

func TestDispatcher_StoppedDropsEffects(t *testing.T) {
	f := newFixture(false)
	if err := f.d.Start(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.d.Stop()

	f.d.Dispatch(context.Background(), []txn.Effect{{Kind: txn.KindPokeQueue, Task: "a"}})
	f.d.Wait()

	if len(f.engine.Calls()) != 0 {
		t.Errorf("stopped dispatcher must not run effects, got %v", f.engine.Calls())
	}
}
