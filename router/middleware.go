package router

import (
	"context"
	"fmt"

	"github.com/nicebartender/switchboard/chat"
)

// Context carries one message through the middleware pipeline. Each step
// sees the result of the previous one in Message; the other fields are
// fixed for the pipeline's duration.
type Context struct {
	Origin      chat.AuthorType
	Destination chat.AuthorType
	Chat        chat.Chat
	User        chat.CustomerProfile
	Message     chat.Message
}

// Middleware transforms a customer-originated message. A step may block
// on external work; ctx is cancelled when an earlier error aborts the
// pipeline's remaining steps.
type Middleware func(ctx context.Context, mc Context) (chat.Message, error)

// Use appends a pipeline step. Registration order is execution order.
// Setup-time only; the list is read-only during routing.
func (r *Router) Use(m Middleware) *Router {
	r.middleware = append(r.middleware, m)
	return r
}

// runMiddleware threads the message through every registered step. An
// empty pipeline returns the message unchanged. A step's failure aborts
// the remaining chain and surfaces the error to the caller.
func (r *Router) runMiddleware(mc Context) (chat.Message, error) {
	if len(r.middleware) == 0 {
		return mc.Message, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i, step := range r.middleware {
		next, err := step(ctx, mc)
		if err != nil {
			return chat.Message{}, fmt.Errorf("middleware step %d: %w", i, err)
		}
		mc.Message = next
	}
	return mc.Message, nil
}
