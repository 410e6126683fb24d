// Package pubsub implements a Google Cloud Pub/Sub publisher for job
// completion events.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	gcppubsub "cloud.google.com/go/pubsub"
)

// Publisher wraps a Pub/Sub client and caches topic handles.
type Publisher struct {
	client *gcppubsub.Client

	mu     sync.Mutex
	topics map[string]*gcppubsub.Topic
}

// New creates a Publisher for the provided client.
func New(client *gcppubsub.Client) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	return &Publisher{
		client: client,
		topics: make(map[string]*gcppubsub.Topic),
	}, nil
}

// Publish marshals the payload to JSON and publishes it to the topic,
// returning the server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	result := p.topicHandle(topic).Publish(ctx, &gcppubsub.Message{Data: data})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// Close flushes outstanding messages on every cached topic.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.topics {
		t.Stop()
	}
}

func (p *Publisher) topicHandle(topic string) *gcppubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[topic]
	if !ok {
		t = p.client.Topic(topic)
		p.topics[topic] = t
	}
	return t
}
