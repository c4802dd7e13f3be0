// Package events publishes flow lifecycle events to NATS so external
// consumers can follow what the relay is doing without polling the API.
package events

import (
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"

	"tungate/internal/core/model"
)

// Publisher sends JSON-encoded FlowEvents to a NATS subject. A nil Publisher
// is a valid no-op, which is how the disabled configuration is represented.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher connects to the NATS server.
func NewPublisher(url, subject string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	log.Printf("Connected to NATS server at %s", url)
	return &Publisher{nc: nc, subject: subject}, nil
}

// FlowOpened publishes an open event.
func (p *Publisher) FlowOpened(ev model.FlowEvent) {
	p.publish(ev)
}

// FlowClosed publishes a close event.
func (p *Publisher) FlowClosed(ev model.FlowEvent) {
	p.publish(ev)
}

func (p *Publisher) publish(ev model.FlowEvent) {
	if p == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("events: marshal flow event: %v", err)
		return
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		log.Printf("events: publish flow event: %v", err)
	}
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Drain()
	log.Println("NATS connection drained and closed.")
}
