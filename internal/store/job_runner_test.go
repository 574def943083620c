package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestJobRunnerExecutesAndCompletes(t *testing.T) {
	st := NewInMemoryStore()
	runner := NewJobRunner(st, time.Second)

	var got string
	runner.RegisterHandler(JobKindAutoResponse, func(_ context.Context, payload string) error {
		got = payload
		return nil
	})

	id, err := st.EnqueueJob(JobKindAutoResponse, time.Now().Add(-time.Second), `{"friend_id":"f1"}`, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runner.poll(context.Background())

	if got != `{"friend_id":"f1"}` {
		t.Errorf("handler payload = %q", got)
	}
	j, _ := st.GetJob(id)
	if j.Status != JobStatusDone {
		t.Errorf("status = %s", j.Status)
	}
}

func TestJobRunnerFailureRequeuesWithBackoff(t *testing.T) {
	st := NewInMemoryStore()
	runner := NewJobRunner(st, time.Second)
	runner.RegisterHandler(JobKindAutoResponse, func(context.Context, string) error {
		return errors.New("store unavailable")
	})

	id, err := st.EnqueueJob(JobKindAutoResponse, time.Now().Add(-time.Second), "{}", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	before := time.Now()
	runner.poll(context.Background())

	j, _ := st.GetJob(id)
	if j.Status != JobStatusQueued || j.Attempt != 1 {
		t.Fatalf("after first failure: %+v", j)
	}
	if j.LastError != "store unavailable" {
		t.Errorf("last error = %q", j.LastError)
	}
	// First retry backs off roughly 30 seconds.
	if j.RunAt.Before(before.Add(25*time.Second)) || j.RunAt.After(before.Add(40*time.Second)) {
		t.Errorf("unexpected backoff: run_at = %v", j.RunAt)
	}

	// Not due yet, so the next poll leaves it alone.
	runner.poll(context.Background())
	j, _ = st.GetJob(id)
	if j.Attempt != 1 {
		t.Errorf("backoff ignored: attempt = %d", j.Attempt)
	}
}

func TestJobRunnerUnknownKindFails(t *testing.T) {
	st := NewInMemoryStore()
	runner := NewJobRunner(st, time.Second)

	id, err := st.EnqueueJob("mystery", time.Now().Add(-time.Second), "{}", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	runner.poll(context.Background())

	j, _ := st.GetJob(id)
	if j.Status != JobStatusQueued || j.Attempt != 1 {
		t.Errorf("unhandled job: %+v", j)
	}
	if j.LastError == "" {
		t.Error("missing handler not recorded")
	}
}

func TestJobRunnerRecoverStaleJobs(t *testing.T) {
	st := NewInMemoryStore()
	runner := NewJobRunner(st, time.Second)

	id, err := st.EnqueueJob(JobKindAutoResponse, time.Now().Add(-20*time.Minute), "{}", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := st.ClaimDueJobs(time.Now().Add(-10*time.Minute), 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := runner.RecoverStaleJobs(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	j, _ := st.GetJob(id)
	if j.Status != JobStatusQueued {
		t.Errorf("stale job not requeued: %+v", j)
	}
}

func TestOutboxSenderDeliversAndRetries(t *testing.T) {
	st := NewInMemoryStore()

	var delivered []OutboxMessage
	var failNext bool
	sender := NewOutboxSender(st, func(_ context.Context, msg OutboxMessage) error {
		if failNext {
			return errors.New("sms gateway down")
		}
		delivered = append(delivered, msg)
		return nil
	}, time.Second)

	id, err := st.EnqueueOutboxMessage("f1", OutboxKindOperatorNotify, `{"text":"alert"}`, "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	failNext = true
	sender.poll(context.Background())
	if len(delivered) != 0 {
		t.Fatalf("failed send was recorded as delivered: %+v", delivered)
	}

	// The failure backs off ~10s; claiming later picks it up again.
	failNext = false
	msgs, err := st.ClaimDueOutboxMessages(time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("claim after backoff: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id || msgs[0].Attempts != 1 {
		t.Fatalf("message after failure: %+v", msgs)
	}
	if err := st.MarkOutboxMessageSent(id); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	if again, _ := st.ClaimDueOutboxMessages(time.Now().Add(time.Hour), 10); len(again) != 0 {
		t.Errorf("sent message claimable: %+v", again)
	}
}
