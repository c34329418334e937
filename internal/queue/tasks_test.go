package queue

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func TestGenerateWalkTaskRoundTrip(t *testing.T) {
	payload := GenerateWalkPayload{
		JobID:       "job-123",
		RequestedAt: time.Now().UTC().Truncate(time.Second),
	}

	task, err := NewGenerateWalkTask(payload)
	if err != nil {
		t.Fatalf("NewGenerateWalkTask returned error: %v", err)
	}
	if task.Type() != TypeGenerateWalk {
		t.Fatalf("expected task type %q, got %q", TypeGenerateWalk, task.Type())
	}

	parsed, err := ParseGenerateWalkPayload(task)
	if err != nil {
		t.Fatalf("ParseGenerateWalkPayload returned error: %v", err)
	}
	if parsed.JobID != payload.JobID {
		t.Fatalf("expected job_id %q, got %q", payload.JobID, parsed.JobID)
	}
	if !parsed.RequestedAt.Equal(payload.RequestedAt) {
		t.Fatalf("expected requested_at %v, got %v", payload.RequestedAt, parsed.RequestedAt)
	}
}

func TestGenerateWalkTaskRequiresJobID(t *testing.T) {
	if _, err := NewGenerateWalkTask(GenerateWalkPayload{}); err == nil {
		t.Fatal("expected error for empty job id")
	}
	if _, err := ParseGenerateWalkPayload(asynq.NewTask(TypeGenerateWalk, []byte(`{}`))); err == nil {
		t.Fatal("expected error for payload without job id")
	}
	if _, err := ParseGenerateWalkPayload(asynq.NewTask(TypeGenerateWalk, []byte(`not json`))); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestClientOptionsDisableRetry(t *testing.T) {
	c := &Client{queue: "latentwalk-test", timeout: time.Minute}

	got := map[asynq.OptionType]any{}
	for _, opt := range c.options() {
		got[opt.Type()] = opt.Value()
	}

	if got[asynq.QueueOpt] != "latentwalk-test" {
		t.Fatalf("expected queue latentwalk-test, got %v", got[asynq.QueueOpt])
	}
	if got[asynq.MaxRetryOpt] != 0 {
		t.Fatalf("expected max retry 0, got %v", got[asynq.MaxRetryOpt])
	}
	if got[asynq.TimeoutOpt] != time.Minute {
		t.Fatalf("expected timeout 1m, got %v", got[asynq.TimeoutOpt])
	}
}
