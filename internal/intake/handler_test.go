package intake

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ismaiel54/limit-order-pipeline/internal/msg"
	"github.com/ismaiel54/limit-order-pipeline/internal/queue"
	"github.com/ismaiel54/limit-order-pipeline/internal/store"
	"github.com/ismaiel54/limit-order-pipeline/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func record(t *testing.T, cmd msg.OrderCmdMsg) msg.Record {
	b, err := json.Marshal(cmd)
	require.NoError(t, err)
	return msg.Record{Topic: msg.TopicOrdersCommands, Key: cmd.OrderID, Value: b}
}

func newHandler(t *testing.T) (*Handler, *queue.Queue) {
	q := queue.New(queue.NewMemoryBackend(), queue.DefaultOptions(), zap.NewNop())
	sub := worker.NewSubmitter(store.NewMemoryStore(), q, zap.NewNop())
	return NewHandler(sub, zap.NewNop()), q
}

func TestHandle_EnqueuesCommand(t *testing.T) {
	h, q := newHandler(t)

	err := h.Handle(context.Background(), record(t, msg.OrderCmdMsg{
		EventID: "e1", OrderID: "o1", TokenIn: "SOL", TokenOut: "USDC", Amount: 2, TargetPrice: 185,
	}))
	require.NoError(t, err)

	job, ok, err := q.Get(context.Background(), "o1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2.0, job.Payload.Amount)

	accepted, duplicates, rejected := h.Stats()
	assert.Equal(t, [3]int64{1, 0, 0}, [3]int64{accepted, duplicates, rejected})
}

func TestHandle_DuplicateCommand(t *testing.T) {
	h, _ := newHandler(t)
	cmd := msg.OrderCmdMsg{EventID: "e1", OrderID: "o1", TokenIn: "SOL", TokenOut: "USDC", Amount: 1, TargetPrice: 185}

	require.NoError(t, h.Handle(context.Background(), record(t, cmd)))
	cmd.EventID = "e2"
	require.NoError(t, h.Handle(context.Background(), record(t, cmd)))

	_, duplicates, _ := h.Stats()
	assert.Equal(t, int64(1), duplicates)
}

func TestHandle_KeyFallsBackForOrderID(t *testing.T) {
	h, q := newHandler(t)

	b, err := json.Marshal(msg.OrderCmdMsg{TokenIn: "SOL", TokenOut: "USDC", Amount: 1, TargetPrice: 185})
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), msg.Record{Key: "o7", Value: b}))

	_, ok, err := q.Get(context.Background(), "o7")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHandle_InvalidCommandsArePermanent(t *testing.T) {
	h, _ := newHandler(t)

	err := h.Handle(context.Background(), msg.Record{Key: "o1", Value: []byte("{not json")})
	assert.True(t, msg.IsPermanent(err))

	err = h.Handle(context.Background(), record(t, msg.OrderCmdMsg{
		OrderID: "o1", TokenIn: "SOL", TokenOut: "USDC", Amount: 0, TargetPrice: 185,
	}))
	assert.True(t, msg.IsPermanent(err))

	_, _, rejected := h.Stats()
	assert.Equal(t, int64(2), rejected)
}

type failingSubmitter struct{}

func (failingSubmitter) Enqueue(ctx context.Context, orderID, tokenIn, tokenOut string, amount, targetPrice float64) (bool, error) {
	return false, errors.New("redis: i/o timeout")
}

func TestHandle_SubmitErrorIsRetryable(t *testing.T) {
	h := NewHandler(failingSubmitter{}, zap.NewNop())

	err := h.Handle(context.Background(), record(t, msg.OrderCmdMsg{
		OrderID: "o1", TokenIn: "SOL", TokenOut: "USDC", Amount: 1, TargetPrice: 185,
	}))
	require.Error(t, err)
	assert.False(t, msg.IsPermanent(err))
}
