package sinks

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/nebulastream/nebulastream-sub027/internal/buffer"
)

// PubSubSink publishes each buffer it receives as the data of one Pub/Sub
// message, exercising the cloud SDK surface the teacher's go.mod already
// carries (cloud.google.com/go/pubsub). It is one concrete example
// collaborator behind plan.Sink, not a general sink framework.
type PubSubSink struct {
	ProjectID string
	TopicID   string

	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubSink builds a PubSubSink targeting topicID in projectID.
func NewPubSubSink(projectID, topicID string) *PubSubSink {
	return &PubSubSink{ProjectID: projectID, TopicID: topicID}
}

func (s *PubSubSink) Open() error {
	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, s.ProjectID)
	if err != nil {
		return fmt.Errorf("sinks: pubsub client for project %s: %w", s.ProjectID, err)
	}
	s.client = client
	s.topic = client.Topic(s.TopicID)
	return nil
}

func (s *PubSubSink) Write(ctx context.Context, buf buffer.TupleBuffer) error {
	if s.topic == nil {
		return fmt.Errorf("sinks: pubsub sink for topic %s is not open", s.TopicID)
	}
	msg := &pubsub.Message{
		Data: append([]byte(nil), buf.Bytes()...),
		Attributes: map[string]string{
			"origin_id":       buf.OriginID().String(),
			"sequence_number": fmt.Sprintf("%d", buf.SequenceNumber()),
		},
	}
	result := s.topic.Publish(ctx, msg)
	_, err := result.Get(ctx)
	return err
}

func (s *PubSubSink) Close() error {
	if s.topic != nil {
		s.topic.Stop()
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
