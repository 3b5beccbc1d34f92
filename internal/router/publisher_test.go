package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/loqa-predict/internal/pipeline"
	"github.com/loqalabs/loqa-predict/internal/protocol"
)

func TestPublisherBroadcastsOutcome(t *testing.T) {
	client := startBus(t)

	sub, err := client.Conn().SubscribeSync(protocol.SubjectPredictOutcome)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	value := 7.0
	out := pipeline.Outcome{ID: "abc", Kind: pipeline.KindPrediction, Value: &value, Message: "Predicted Output: 7"}
	if err := NewPublisher(client).Record(context.Background(), out); err != nil {
		t.Fatalf("record: %v", err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	var got pipeline.Outcome
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "abc" || got.Value == nil || *got.Value != 7 {
		t.Fatalf("unexpected outcome %+v", got)
	}
}

func TestNilPublisherIsNoop(t *testing.T) {
	var p *Publisher
	if err := p.Record(context.Background(), pipeline.Outcome{}); err != nil {
		t.Fatalf("expected nil publisher to be a no-op, got %v", err)
	}
}
