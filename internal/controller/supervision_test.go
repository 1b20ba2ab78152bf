package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/jobs"
	"github.com/shaiso/rex/internal/txn"
)

func hangAll(txn.Kind, string) behaviour { return hang }

func (h *harness) lastJob(jobType domain.JobType, task string) domain.ClusteredJobReference {
	h.t.Helper()
	for i := len(h.jobs) - 1; i >= 0; i-- {
		if h.jobs[i].Type == jobType && h.jobs[i].TaskName == task {
			return h.jobs[i]
		}
	}
	h.t.Fatalf("no %s job for %s", jobType, task)
	return domain.ClusteredJobReference{}
}

func deadlineOf(t *testing.T, ref domain.ClusteredJobReference) time.Time {
	t.Helper()
	jc, err := jobs.DecodeContext(ref)
	require.NoError(t, err)
	return jc.Deadline
}

// --- Heartbeat Tests ---

func TestSupervision_HeartbeatReschedulesAndTimesOut(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.ProcessingTolerance = 500 * time.Millisecond })
	h.behave = hangAll

	tr := taskReq("hb", domain.ModeActive)
	tr.Configuration.Heartbeat = true
	tr.Configuration.HeartbeatIntervalMs = 1000
	h.install(domain.CreateGraphRequest{Tasks: []domain.CreateTaskRequest{tr}})
	require.Equal(t, domain.StateUp, h.state("hb"))

	started := h.clock.Now()
	ref := h.lastJob(domain.JobHeartbeatVerify, "hb")
	require.Equal(t, started.Add(1500*time.Millisecond), deadlineOf(t, ref))

	// Срок не истёк: job переносится
	h.clock.Add(time.Second)
	next, err := h.ctrl.VerifyJob(h.ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, ref.ID, next.ID)

	h.do(func(ctx context.Context) error { return h.ctrl.Beat(ctx, "hb", domain.Response{}, time.Time{}) })

	h.clock.Add(time.Second)
	next, err = h.ctrl.VerifyJob(h.ctx, *next)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, started.Add(2500*time.Millisecond), deadlineOf(t, *next))
	require.Equal(t, domain.StateUp, h.state("hb"))

	h.clock.Add(time.Second)
	final, err := h.ctrl.VerifyJob(h.ctx, *next)
	require.NoError(t, err)
	require.Nil(t, final)
	h.drain()

	task := h.task("hb")
	require.Equal(t, domain.StateFailed, task.State)
	require.Equal(t, domain.StopFlagUnsuccessful, task.StopFlag)
	last := task.ServerResponses[len(task.ServerResponses)-1]
	require.Equal(t, domain.OriginHeartbeatTimeout, last.Origin)
	require.False(t, last.Positive)

	// Ссылка удалена вместе с переходом
	again, err := h.ctrl.VerifyJob(h.ctx, *next)
	require.NoError(t, err)
	require.Nil(t, again)
	require.Equal(t, 0, h.counters("").Running)
}

func TestSupervision_HeartbeatMissedWhileStarting(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.ProcessingTolerance = time.Millisecond })
	h.behave = hangAll

	tr := taskReq("hb", domain.ModeActive)
	tr.Configuration.Heartbeat = true
	tr.Configuration.HeartbeatIntervalMs = 100
	tr.Configuration.HeartbeatToleranceThreshold = 3

	// Запрос старта ещё не подтверждён: эффекты не выполняются
	_, err := h.ctrl.Install(h.ctx, domain.CreateGraphRequest{Tasks: []domain.CreateTaskRequest{tr}})
	require.NoError(t, err)
	require.NoError(t, h.ctrl.Poke(h.ctx, ""))
	require.Equal(t, domain.StateStarting, h.state("hb"))

	var ref domain.ClusteredJobReference
	for _, e := range h.pending {
		if e.Kind == txn.KindClusterJob {
			ref = *e.Job
		}
	}
	h.pending = nil
	require.Equal(t, domain.JobHeartbeatVerify, ref.Type)

	h.clock.Add(time.Second)
	next, err := h.ctrl.VerifyJob(h.ctx, ref)
	require.NoError(t, err)
	require.Nil(t, next)
	require.Equal(t, domain.StateStartFailed, h.state("hb"))
}

func TestSupervision_HeartbeatForFinishedTaskDelisted(t *testing.T) {
	h := newHarness(t)
	h.behave = hangAll

	tr := taskReq("hb", domain.ModeActive)
	tr.Configuration.Heartbeat = true
	tr.Configuration.HeartbeatIntervalMs = 1000
	h.install(domain.CreateGraphRequest{Tasks: []domain.CreateTaskRequest{tr}})
	ref := h.lastJob(domain.JobHeartbeatVerify, "hb")

	h.do(func(ctx context.Context) error {
		return h.ctrl.Accept(ctx, "hb", domain.Response{}, domain.OriginRemoteEntity, false)
	})
	require.Equal(t, domain.StateSuccessful, h.state("hb"))

	next, err := h.ctrl.VerifyJob(h.ctx, ref)
	require.NoError(t, err)
	require.Nil(t, next)
}

// --- Cancel Timeout Tests ---

func TestSupervision_CancelTimeoutFailsStop(t *testing.T) {
	h := newHarness(t)
	h.behave = hangAll

	tr := taskReq("c", domain.ModeActive)
	tr.RemoteCancel = &domain.Request{URI: "http://remote/c/cancel"}
	tr.Configuration.CancelTimeoutMs = 2000
	h.install(domain.CreateGraphRequest{Tasks: []domain.CreateTaskRequest{tr}})
	require.Equal(t, domain.StateUp, h.state("c"))

	h.do(func(ctx context.Context) error { return h.ctrl.SetMode(ctx, "c", domain.ModeCancel, false) })
	require.Equal(t, domain.StateStopping, h.state("c"))
	require.Len(t, h.requestsOf(txn.KindStopRemote), 1)

	ref := h.lastJob(domain.JobCancelTimeout, "c")
	require.Equal(t, h.clock.Now().Add(2*time.Second), deadlineOf(t, ref))

	h.clock.Add(2 * time.Second)
	next, err := h.ctrl.VerifyJob(h.ctx, ref)
	require.NoError(t, err)
	require.Nil(t, next)
	h.drain()

	task := h.task("c")
	require.Equal(t, domain.StateStopFailed, task.State)
	require.Equal(t, domain.OriginTimeout, task.ServerResponses[len(task.ServerResponses)-1].Origin)
	// Флаг остановки задан при запросе отмены
	require.Equal(t, domain.StopFlagCancelled, task.StopFlag)
}

func TestSupervision_CancelTimeoutAfterStopIsNoop(t *testing.T) {
	h := newHarness(t)
	h.behave = hangAll

	tr := taskReq("c", domain.ModeActive)
	tr.Configuration.CancelTimeoutMs = 2000
	h.install(domain.CreateGraphRequest{Tasks: []domain.CreateTaskRequest{tr}})

	h.do(func(ctx context.Context) error { return h.ctrl.SetMode(ctx, "c", domain.ModeCancel, false) })
	ref := h.lastJob(domain.JobCancelTimeout, "c")

	h.do(func(ctx context.Context) error {
		return h.ctrl.Accept(ctx, "c", domain.Response{}, domain.OriginRemoteEntity, false)
	})
	require.Equal(t, domain.StateStopped, h.state("c"))

	next, err := h.ctrl.VerifyJob(h.ctx, ref)
	require.NoError(t, err)
	require.Nil(t, next)
	require.Equal(t, domain.StateStopped, h.state("c"))
}

func TestSupervision_ForeignReferenceSkipped(t *testing.T) {
	h := newHarness(t)
	h.behave = hangAll

	tr := taskReq("c", domain.ModeActive)
	tr.Configuration.CancelTimeoutMs = 2000
	h.install(domain.CreateGraphRequest{Tasks: []domain.CreateTaskRequest{tr}})
	h.do(func(ctx context.Context) error { return h.ctrl.SetMode(ctx, "c", domain.ModeCancel, false) })
	ref := h.lastJob(domain.JobCancelTimeout, "c")

	foreign := ref
	foreign.Owner = "other-node"
	next, err := h.ctrl.VerifyJob(h.ctx, foreign)
	require.NoError(t, err)
	require.Nil(t, next)

	stale := ref
	stale.ID = "stale"
	_, err = h.ctrl.VerifyJob(h.ctx, stale)
	require.NoError(t, err)

	require.Equal(t, domain.StateStopping, h.state("c"))
}
