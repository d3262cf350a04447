package fetch

import (
	"context"
	"net/http"
)

// Session is a pooled network session bound to one host and lent to one worker at a time.
type Session interface {
	Host() string
	Client() *http.Client
}

// Transport performs one HTTP exchange over a borrowed session.
// Non-2xx statuses are returned as a Response, not an error.
type Transport interface {
	Do(ctx context.Context, session Session, req Request) (Response, error)
}

// IDGenerator produces task identities.
type IDGenerator interface {
	NewID() (string, error)
}
