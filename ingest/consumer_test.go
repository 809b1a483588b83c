package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicehub/bulk"
	"github.com/c360/devicehub/decoder"
	"github.com/c360/devicehub/decoder/temperature"
	"github.com/c360/devicehub/docstore/memory"
	"github.com/c360/devicehub/errors"
	"github.com/c360/devicehub/pipeline"
	"github.com/c360/devicehub/schema"
	"github.com/c360/devicehub/types"
)

// fakeMsg implements just enough of jetstream.Msg for the handler.
type fakeMsg struct {
	jetstream.Msg
	subject string
	data    []byte

	mu     sync.Mutex
	acked  bool
	naked  bool
	termed bool
	reason string
}

func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Data() []byte    { return m.data }

func (m *fakeMsg) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}

func (m *fakeMsg) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naked = true
	return nil
}

func (m *fakeMsg) TermWithReason(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.termed = true
	m.reason = reason
	return nil
}

func newTestConsumer(t *testing.T) (*Consumer, *memory.Store) {
	t.Helper()

	store := memory.New()
	writer, err := bulk.NewWriter(store, bulk.Config{FlushInterval: 5 * time.Millisecond}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, writer.Start(context.Background()))
	t.Cleanup(func() { _ = writer.Stop(time.Second) })

	decoders := decoder.NewRegistry()
	require.NoError(t, decoders.Register(temperature.New()))

	p, err := pipeline.New(pipeline.Dependencies{
		Decoders: decoders,
		Models:   schema.NewRegistry(),
		Store:    store,
		Writer:   writer,
	}, pipeline.Options{AutoProvision: true})
	require.NoError(t, err)

	c, err := NewConsumer(p, decoders.Models(), Config{}, nil, nil)
	require.NoError(t, err)
	return c, store
}

func TestParseSubject(t *testing.T) {
	engine, model, err := parseSubject("ingest.engine-1.TempSensor", "ingest")
	require.NoError(t, err)
	assert.Equal(t, "engine-1", engine)
	assert.Equal(t, "TempSensor", model)

	for _, subject := range []string{
		"ingest.engine-1",
		"other.engine-1.TempSensor",
		"ingest..TempSensor",
		"ingest.engine-1.TempSensor.extra",
	} {
		_, _, err := parseSubject(subject, "ingest")
		assert.Error(t, err, subject)
	}
}

func TestHandleMessageAcksProcessedPayload(t *testing.T) {
	c, store := newTestConsumer(t)

	body, _ := json.Marshal(map[string]any{"deviceEUI": "ABC123", "register55": 23.3})
	msg := &fakeMsg{subject: "ingest.engine-1.TempSensor", data: body}
	c.handleMessage(context.Background(), msg)

	assert.True(t, msg.acked)
	doc, err := store.Get(context.Background(), "engine-1", types.CollectionDevices, "TempSensor-ABC123")
	require.NoError(t, err)
	var device types.Device
	require.NoError(t, json.Unmarshal(doc.Body, &device))
	assert.Equal(t, 23.3, device.Measures["temperature"].Values["temperature"])
}

func TestHandleMessageAcksSkippedPayload(t *testing.T) {
	c, _ := newTestConsumer(t)

	msg := &fakeMsg{
		subject: "ingest.engine-1.TempSensor",
		data:    []byte(`{"deviceEUI":"ABC123","register55":1,"invalid":true}`),
	}
	c.handleMessage(context.Background(), msg)
	assert.True(t, msg.acked, "skipped payloads must not redeliver")
}

func TestHandleMessageTerminatesInvalidPayload(t *testing.T) {
	c, _ := newTestConsumer(t)

	msg := &fakeMsg{subject: "ingest.engine-1.TempSensor", data: []byte(`{"register55":1}`)}
	c.handleMessage(context.Background(), msg)
	assert.True(t, msg.termed, "precondition failures are poison, not transient")
	assert.False(t, msg.naked)
}

func TestHandleMessageTerminatesUnknownModel(t *testing.T) {
	c, _ := newTestConsumer(t)

	msg := &fakeMsg{subject: "ingest.engine-1.NoSuchModel", data: []byte(`{}`)}
	c.handleMessage(context.Background(), msg)
	assert.True(t, msg.termed)
}

func TestHandleMessageDropsMalformedSubject(t *testing.T) {
	c, _ := newTestConsumer(t)

	msg := &fakeMsg{subject: "ingest.broken", data: []byte(`{}`)}
	c.handleMessage(context.Background(), msg)
	assert.True(t, msg.termed)
	assert.Equal(t, "malformed subject", msg.reason)
}

func TestConfigValidation(t *testing.T) {
	config := Config{}
	require.NoError(t, config.Validate())
	assert.Equal(t, "DEVICEHUB_INGEST", config.Stream)
	assert.Equal(t, "ingest", config.SubjectPrefix)

	bad := Config{SubjectPrefix: "in.gest"}
	err := bad.Validate()
	assert.True(t, errors.Is(err, errors.ErrInvalidConfig))
}
