package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-predict/internal/bus"
	"github.com/loqalabs/loqa-predict/internal/config"
	"github.com/loqalabs/loqa-predict/internal/natsserver"
	"github.com/loqalabs/loqa-predict/internal/pipeline"
	"github.com/loqalabs/loqa-predict/internal/protocol"
)

type fakePredictor struct {
	mu    sync.Mutex
	texts []string
	calls []string
}

func (f *fakePredictor) record(kind, text string) pipeline.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind)
	f.texts = append(f.texts, text)
	return pipeline.Outcome{ID: kind + "-1", Kind: pipeline.KindPrediction, Input: text, Message: "ok"}
}

func (f *fakePredictor) PredictFromText(_ context.Context, text string) pipeline.Outcome {
	return f.record("text", text)
}

func (f *fakePredictor) PredictFromTranscript(_ context.Context, text string) pipeline.Outcome {
	return f.record("transcript", text)
}

func (f *fakePredictor) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, "router-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func startRouter(t *testing.T, client *bus.Client, fake *fakePredictor) *Service {
	t.Helper()
	svc := NewService(context.Background(), config.RouterConfig{Enabled: true}, client, fake, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected router to be healthy after start")
	}
	return svc
}

func TestRequestReply(t *testing.T) {
	client := startBus(t)
	fake := &fakePredictor{}
	startRouter(t, client, fake)

	data, _ := json.Marshal(protocol.PredictRequest{Text: "2"})
	msg, err := client.Conn().Request(protocol.SubjectPredictRequest, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var out pipeline.Outcome
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if out.ID != "text-1" || out.Input != "2" {
		t.Fatalf("unexpected reply %+v", out)
	}
}

func TestPlainTextRequest(t *testing.T) {
	client := startBus(t)
	fake := &fakePredictor{}
	startRouter(t, client, fake)

	msg, err := client.Conn().Request(protocol.SubjectPredictRequest, []byte(" 4.5 \n"), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var out pipeline.Outcome
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if out.Input != "4.5" {
		t.Fatalf("expected trimmed plain text input, got %q", out.Input)
	}
}

func TestTranscriptSkipsPartials(t *testing.T) {
	client := startBus(t)
	fake := &fakePredictor{}
	startRouter(t, client, fake)

	partial, _ := json.Marshal(protocol.Transcript{SessionID: "s", Text: "thr", Partial: true})
	if err := client.Conn().Publish(protocol.SubjectTranscriptFinal, partial); err != nil {
		t.Fatalf("publish partial: %v", err)
	}
	final, _ := json.Marshal(protocol.Transcript{SessionID: "s", Text: "three"})
	msg, err := client.Conn().Request(protocol.SubjectTranscriptFinal, final, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var out pipeline.Outcome
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if out.ID != "transcript-1" || out.Input != "three" {
		t.Fatalf("unexpected reply %+v", out)
	}
	if calls := fake.snapshot(); len(calls) != 1 {
		t.Fatalf("expected partial transcript to be ignored, got calls %v", calls)
	}
}

func TestDisabledRouter(t *testing.T) {
	svc := NewService(context.Background(), config.RouterConfig{Enabled: false}, nil, &fakePredictor{}, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("disabled router reports healthy")
	}
	svc.Close()
}
