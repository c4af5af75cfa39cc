package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicebartender/switchboard/chat"
	"github.com/nicebartender/switchboard/dispatch"
)

func pipelineRouter(t *testing.T) *Router {
	t.Helper()
	ops := newFakeOperators()
	return New(dispatch.New(ops, dispatch.WithTimeout(time.Minute)), newFakeLog(), newFakeCustomers(), ops, newFakeAgents())
}

func pipelineContext(text string) Context {
	return Context{
		Origin:      chat.AuthorCustomer,
		Destination: chat.AuthorCustomer,
		Chat:        chat.Chat{ID: "chat-id"},
		Message:     chat.Message{ID: "msg-1", Text: text},
	}
}

func TestEmptyPipelinePassesThrough(t *testing.T) {
	r := pipelineRouter(t)

	out, err := r.runMiddleware(pipelineContext("untouched"))
	require.NoError(t, err)
	require.Equal(t, "untouched", out.Text)
}

func TestPipelineThreadsMessageInOrder(t *testing.T) {
	r := pipelineRouter(t)
	r.Use(func(ctx context.Context, mc Context) (chat.Message, error) {
		mc.Message.Text += " one"
		return mc.Message, nil
	}).Use(func(ctx context.Context, mc Context) (chat.Message, error) {
		mc.Message.Text += " two"
		return mc.Message, nil
	}).Use(func(ctx context.Context, mc Context) (chat.Message, error) {
		mc.Message.Text += " three"
		return mc.Message, nil
	})

	out, err := r.runMiddleware(pipelineContext("start"))
	require.NoError(t, err)
	require.Equal(t, "start one two three", out.Text)
}

func TestPipelineStepSeesFixedContext(t *testing.T) {
	r := pipelineRouter(t)
	r.Use(func(ctx context.Context, mc Context) (chat.Message, error) {
		require.Equal(t, chat.AuthorCustomer, mc.Origin)
		require.Equal(t, chat.AuthorCustomer, mc.Destination)
		require.Equal(t, "chat-id", mc.Chat.ID)
		return mc.Message, nil
	})

	_, err := r.runMiddleware(pipelineContext("hello"))
	require.NoError(t, err)
}

func TestPipelineFailureAbortsRemainingSteps(t *testing.T) {
	r := pipelineRouter(t)
	ran := 0
	r.Use(func(ctx context.Context, mc Context) (chat.Message, error) {
		ran++
		return chat.Message{}, errors.New("step failed")
	}).Use(func(ctx context.Context, mc Context) (chat.Message, error) {
		ran++
		return mc.Message, nil
	})

	_, err := r.runMiddleware(pipelineContext("hello"))
	require.Error(t, err)
	require.ErrorContains(t, err, "step failed")
	require.Equal(t, 1, ran)
}

func TestPipelineSupportsBlockingSteps(t *testing.T) {
	r := pipelineRouter(t)
	r.Use(func(ctx context.Context, mc Context) (chat.Message, error) {
		// an asynchronous step: waits on external work
		done := make(chan chat.Message, 1)
		go func() {
			mc.Message.Text = "translated"
			done <- mc.Message
		}()
		select {
		case m := <-done:
			return m, nil
		case <-ctx.Done():
			return chat.Message{}, ctx.Err()
		}
	})

	out, err := r.runMiddleware(pipelineContext("original"))
	require.NoError(t, err)
	require.Equal(t, "translated", out.Text)
}
