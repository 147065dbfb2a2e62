// Package broker republishes feed frames on a message bus: NATS across
// processes, or an in-memory fan-out inside one.
package broker

import (
	"context"
	"strings"
)

type Message struct {
	Topic   string
	Payload []byte
}

type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe 的 channel 在 ctx 结束后关闭
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}

// Topic for an event, e.g. md:1501-json-full.
func Topic(prefix, event string) string {
	if prefix == "" {
		prefix = "md"
	}
	return prefix + ":" + event
}

func topicToSubject(topic string) string { return strings.ReplaceAll(topic, ":", ".") }
func subjectToTopic(subj string) string  { return strings.ReplaceAll(subj, ".", ":") }
