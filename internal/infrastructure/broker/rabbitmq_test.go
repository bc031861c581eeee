package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"tierqueue-backend/internal/domain"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAck struct {
	acked, nacked int
	requeue       bool
}

func (f *fakeAck) Ack(uint64, bool) error { f.acked++; return nil }
func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked++
	f.requeue = requeue
	return nil
}
func (f *fakeAck) Reject(uint64, bool) error { return nil }

func delivery(t *testing.T, ack *fakeAck, v interface{}) amqp.Delivery {
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, Body: body}
}

func TestHandleDelivery_AcksHandledEvents(t *testing.T) {
	ack := &fakeAck{}
	ev := domain.BatchFinalized{BatchID: uuid.New(), Status: domain.StatusCompleted, EntryUUIDs: []uuid.UUID{uuid.New()}}

	var got domain.BatchFinalized
	handleDelivery(context.Background(), delivery(t, ack, ev), func(_ context.Context, e domain.BatchFinalized) error {
		got = e
		return nil
	})
	assert.Equal(t, 1, ack.acked)
	assert.Equal(t, ev.BatchID, got.BatchID)
	assert.Equal(t, ev.EntryUUIDs, got.EntryUUIDs)
}

func TestHandleDelivery_NacksOnError(t *testing.T) {
	ack := &fakeAck{}
	handleDelivery(context.Background(), delivery(t, ack, domain.BatchFinalized{}), func(context.Context, domain.BatchFinalized) error {
		return errors.New("portfolio db down")
	})
	assert.Equal(t, 0, ack.acked)
	assert.Equal(t, 1, ack.nacked)
	assert.False(t, ack.requeue)
}

func TestHandleDelivery_DropsGarbage(t *testing.T) {
	ack := &fakeAck{}
	called := false
	handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("not json")}, func(context.Context, domain.BatchFinalized) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.Equal(t, 1, ack.nacked)
}

func TestDial_EmptyURL(t *testing.T) {
	_, err := Dial(context.Background(), "", "batch.finalized")
	assert.Error(t, err)
}
