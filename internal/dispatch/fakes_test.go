package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/mq"
	"github.com/shaiso/rex/internal/remote"
	"github.com/shaiso/rex/internal/txn"
)

// recorder — фиктивный контроллер, записывающий вызовы.
type recorder struct {
	mu      sync.Mutex
	calls   []string
	settled []settleCall
	fail    map[string]error
}

type settleCall struct {
	task     string
	expected domain.State
	positive bool
	body     string
	origin   domain.Origin
}

func newRecorder() *recorder {
	return &recorder{fail: make(map[string]error)}
}

func (r *recorder) record(call string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return r.fail[call]
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) Settle(_ context.Context, name string, expected domain.State, positive bool, resp domain.Response, origin domain.Origin) error {
	r.mu.Lock()
	r.settled = append(r.settled, settleCall{task: name, expected: expected, positive: positive, body: string(resp.Body), origin: origin})
	r.mu.Unlock()
	return r.record("settle:" + name)
}

func (r *recorder) Poke(_ context.Context, queueName string) error {
	return r.record("poke:" + queueName)
}

func (r *recorder) NotifyDependant(_ context.Context, dependency, dependant string, outcome txn.Outcome) error {
	return r.record(fmt.Sprintf("notify:%s->%s:%s", dependency, dependant, outcome))
}

func (r *recorder) ReleaseDependants(_ context.Context, name string) error {
	return r.record("release:" + name)
}

func (r *recorder) StartRollback(_ context.Context, milestone, trigger string) error {
	return r.record("rollback:" + milestone + ":" + trigger)
}

func (r *recorder) RollbackDependantDone(_ context.Context, name string) error {
	return r.record("unwind:" + name)
}

func (r *recorder) ResetDependant(_ context.Context, name string) error {
	return r.record("reset:" + name)
}

func (r *recorder) TryClean(context.Context) (int, error) {
	return 0, r.record("clean")
}

// fakeCaller отвечает по URI.
type fakeCaller struct {
	mu    sync.Mutex
	calls []remote.Call
	fail  map[string]bool
}

func (c *fakeCaller) Call(_ context.Context, call remote.Call) (*remote.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	if c.fail[call.Request.URI] {
		return nil, fmt.Errorf("%w: HTTP 503", domain.ErrRemoteCall)
	}
	return &remote.Result{StatusCode: 200, Body: []byte(`{"ok":true}`)}, nil
}

// fakePublisher записывает опубликованное.
type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	broken    bool
	effects   []any
	events    []mq.TransitionPayload
}

func (p *fakePublisher) Connected() bool { return p.connected }

func (p *fakePublisher) PublishEffect(_ context.Context, effect any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.broken {
		return errors.New("channel closed")
	}
	p.effects = append(p.effects, effect)
	return nil
}

func (p *fakePublisher) PublishTransition(_ context.Context, event mq.TransitionPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type fakeScheduler struct {
	mu   sync.Mutex
	refs []domain.ClusteredJobReference
}

func (s *fakeScheduler) Schedule(ref domain.ClusteredJobReference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = append(s.refs, ref)
}
