package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

func TestMuxRoutesBothTaskTypes(t *testing.T) {
	t.Parallel()
	runner := &recordRunner{}
	mux := NewMux(runner, zerolog.Nop())

	genBody, _ := json.Marshal(Payload{JobID: "job_1"})
	if err := mux.ProcessTask(context.Background(), asynq.NewTask(TypeGenerate, genBody)); err != nil {
		t.Fatalf("generate task: %v", err)
	}

	regenBody, _ := json.Marshal(Payload{JobID: "job_2", PageNumber: 4, Target: "image"})
	if err := mux.ProcessTask(context.Background(), asynq.NewTask(TypeRegenerate, regenBody)); err != nil {
		t.Fatalf("regenerate task: %v", err)
	}

	ran := runner.ran()
	if len(ran) != 2 || ran[0] != "job_1" || ran[1] != "job_2" {
		t.Fatalf("ran %v", ran)
	}
}

func TestMuxRejectsBadPayloads(t *testing.T) {
	t.Parallel()
	mux := NewMux(&recordRunner{}, zerolog.Nop())

	if err := mux.ProcessTask(context.Background(), asynq.NewTask(TypeGenerate, []byte("not json"))); err == nil {
		t.Fatal("want error for malformed payload")
	}

	empty, _ := json.Marshal(Payload{})
	if err := mux.ProcessTask(context.Background(), asynq.NewTask(TypeGenerate, empty)); err == nil {
		t.Fatal("want error for payload without job_id")
	}
}
