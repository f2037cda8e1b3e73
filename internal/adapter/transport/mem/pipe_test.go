package mem

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmshell/internal/domain"
)

func TestPipe_OrderPreserved(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	for i := 1; i <= 50; i++ {
		require.NoError(t, a.Send(ctx, domain.NewGenerateProgressMessage("g", i, "x")))
	}
	for i := 1; i <= 50; i++ {
		msg, err := b.Recv(ctx)
		require.NoError(t, err)
		var p domain.GenerateProgress
		require.NoError(t, json.Unmarshal(msg.Content, &p))
		assert.Equal(t, i, p.Step)
	}
}

func TestPipe_Duplex(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	call, err := domain.NewCallMessage(domain.KindUnload, "u1", nil)
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, call))
	got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.KindUnload, got.Kind)

	ret, err := domain.NewReturnMessage("u1", nil)
	require.NoError(t, err)
	require.NoError(t, b.Send(ctx, ret))
	got, err = a.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.KindReturn, got.Kind)
	assert.Equal(t, "u1", got.ID)
}

func TestPipe_MessagesAreCopied(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	payload := json.RawMessage(`{"input":"hello"}`)
	require.NoError(t, a.Send(ctx, domain.TaskMessage{Kind: domain.KindGenerate, ID: "g", Payload: payload}))
	payload[2] = 'X'

	got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"input":"hello"}`, string(got.Payload))
}

func TestPipe_CloseDrainsThenEOF(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, domain.NewInitProgressMessage(domain.InitProgressReport{Text: "x"})))
	require.NoError(t, a.Close())

	_, err := b.Recv(ctx)
	require.NoError(t, err)
	_, err = b.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)

	err = b.Send(ctx, domain.NewInitProgressMessage(domain.InitProgressReport{}))
	assert.True(t, errors.Is(err, domain.ErrChannelClosed))
	assert.NoError(t, a.Close())
}

func TestPipe_RecvHonorsContext(t *testing.T) {
	_, b := Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipe_RecvWakesOnSend(t *testing.T) {
	a, b := Pipe()
	done := make(chan domain.TaskMessage, 1)
	go func() {
		msg, err := b.Recv(context.Background())
		if err == nil {
			done <- msg
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Send(context.Background(), domain.NewGenerateProgressMessage("id", 1, "a")))

	select {
	case msg := <-done:
		assert.Equal(t, "id", msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not wake up")
	}
}
