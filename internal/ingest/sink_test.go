package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cropwatch/device-auth/internal/domain"
)

func sampleReading() Reading {
	plant := int64(4)
	return NewReading(KindAmbient, &domain.DeviceIdentityContext{DeviceID: 42, PlantID: &plant},
		time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		map[string]any{"temperature": 21.5})
}

func TestMQTTSinkPublishesToDeviceTopic(t *testing.T) {
	client := &fakePublisher{}
	sink := newMQTTSink(client, "cropwatch", zap.NewNop())

	require.NoError(t, sink.Publish(context.Background(), sampleReading()))

	require.Len(t, client.published, 1)
	msg := client.published[0]
	require.Equal(t, "cropwatch/devices/42/ambient", msg.topic)
	require.Equal(t, byte(1), msg.qos)
	require.False(t, msg.retained)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.payload.([]byte), &decoded))
	require.EqualValues(t, 42, decoded["deviceId"])
	require.EqualValues(t, 4, decoded["plantId"])
	require.NotContains(t, decoded, "cropId")
	require.Equal(t, "ambient", decoded["kind"])
}

func TestMQTTSinkReturnsBrokerError(t *testing.T) {
	client := &fakePublisher{err: errors.New("not connected")}
	sink := newMQTTSink(client, "cropwatch", zap.NewNop())

	err := sink.Publish(context.Background(), sampleReading())
	require.ErrorContains(t, err, "not connected")
}

func TestMQTTSinkHonoursContext(t *testing.T) {
	client := &fakePublisher{pending: true}
	sink := newMQTTSink(client, "cropwatch", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sink.Publish(ctx, sampleReading()), context.Canceled)
}

func TestLogSinkAndFanout(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	client := &fakePublisher{}
	sink := Fanout{NewLogSink(zap.New(core)), newMQTTSink(client, "cw", zap.NewNop())}

	require.NoError(t, sink.Publish(context.Background(), sampleReading()))
	require.Equal(t, 1, logs.FilterMessage("reading received").Len())
	require.Len(t, client.published, 1)
}

type publishedMessage struct {
	topic    string
	qos      byte
	retained bool
	payload  interface{}
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	err       error
	pending   bool
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	f.mu.Lock()
	f.published = append(f.published, publishedMessage{topic: topic, qos: qos, retained: retained, payload: payload})
	f.mu.Unlock()

	done := make(chan struct{})
	if !f.pending {
		close(done)
	}
	return &fakeToken{done: done, err: f.err}
}

type fakeToken struct {
	done chan struct{}
	err  error
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }

func (t *fakeToken) Error() error { return t.err }
