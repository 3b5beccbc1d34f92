package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-predict/internal/bus"
	"github.com/loqalabs/loqa-predict/internal/pipeline"
	"github.com/loqalabs/loqa-predict/internal/protocol"
)

// Publisher broadcasts reported outcomes on the bus. It satisfies pipeline.Sink.
type Publisher struct {
	client  *bus.Client
	subject string
}

func NewPublisher(client *bus.Client) *Publisher {
	return &Publisher{client: client, subject: protocol.SubjectPredictOutcome}
}

func (p *Publisher) Record(_ context.Context, o pipeline.Outcome) error {
	if p == nil || !p.client.Healthy() {
		return nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if err := p.client.Conn().Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}
