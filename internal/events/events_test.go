package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToSubscribers(t *testing.T) {
	b := NewBus(2, nil)
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Emit(context.Background(), Event{Type: TypeTransition, ExecutionID: "e1", To: "analyzing"})
	select {
	case e := <-ch:
		require.Equal(t, "e1", e.ExecutionID)
		require.False(t, e.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus(1, nil)
	ch, cancel := b.Subscribe()
	for i := 0; i < 5; i++ {
		b.Emit(context.Background(), Event{Type: TypeTransition, Seq: i})
	}
	require.Len(t, ch, 1)
	cancel()
	cancel()
	_, open := <-ch
	require.True(t, open, "buffered event is still readable")
	_, open = <-ch
	require.False(t, open)
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, Event) error {
	f.calls++
	return errors.New("down")
}

func TestBus_PublisherErrorsDoNotStopEmit(t *testing.T) {
	b := NewBus(1, nil)
	p := &failingPublisher{}
	b.AddPublisher(p)
	b.Emit(context.Background(), Event{Type: TypePolicy})
	require.Equal(t, 1, p.calls)
}

func TestCodecs_RoundTrip(t *testing.T) {
	in := Event{Type: TypeTransition, ExecutionID: "e1", From: "planning", To: "executing", Seq: 4, At: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	for _, name := range []string{"json", "msgpack"} {
		c, err := NewCodec(name)
		require.NoError(t, err)
		b, err := c.Marshal(in)
		require.NoError(t, err)
		var out Event
		require.NoError(t, c.Unmarshal(b, &out))
		require.Equal(t, in.ExecutionID, out.ExecutionID)
		require.Equal(t, in.Seq, out.Seq)
		require.True(t, in.At.Equal(out.At))
	}
	_, err := NewCodec("xml")
	require.Error(t, err)
}

type fakeProducer struct{ msgs []*kafka.Message }

func (f *fakeProducer) Produce(m *kafka.Message, _ chan kafka.Event) error {
	f.msgs = append(f.msgs, m)
	return nil
}

func TestKafkaPublisher_KeysByExecution(t *testing.T) {
	fp := &fakeProducer{}
	k := &KafkaPublisher{Topic: "autopilot", Codec: MsgpackCodec{}, producer: fp}
	require.NoError(t, k.Publish(context.Background(), Event{Type: TypeTransition, ExecutionID: "e9"}))
	require.Len(t, fp.msgs, 1)
	require.Equal(t, "e9", string(fp.msgs[0].Key))
	require.Equal(t, "autopilot", *fp.msgs[0].TopicPartition.Topic)
	require.Equal(t, "msgpack", string(fp.msgs[0].Headers[0].Value))
}
