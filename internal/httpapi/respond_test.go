package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Spok95/adsum/internal/session"
	"github.com/Spok95/adsum/internal/store"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("claim session x: %w", store.ErrNotOwner), http.StatusConflict, "session_owned_elsewhere"},
		{fmt.Errorf("session x: %w", store.ErrSessionEnded), http.StatusConflict, "session_closed"},
		{session.ErrNotStarted, http.StatusConflict, "session_not_started"},
		{fmt.Errorf("session x: %w", store.ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: connection refused", store.ErrUnavailable), http.StatusServiceUnavailable, "store_unavailable"},
		{context.Canceled, 499, "canceled"},
		{errors.New("boom"), http.StatusInternalServerError, "server_error"},
	}
	for _, c := range cases {
		status, code := statusFor(c.err)
		if status != c.status || code != c.code {
			t.Fatalf("%v: got %d %s, want %d %s", c.err, status, code, c.status, c.code)
		}
	}
}
