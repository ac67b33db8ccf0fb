package httpmw

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/places-proxy/internal/log"
	"github.com/keithlinneman/places-proxy/internal/xerrors"
)

// Recover turns a handler panic into a 500 and an error log with the stack.
// onPanic, if set, runs after logging (the server increments a counter there).
// http.ErrAbortHandler is re-panicked, net/http uses it to abort a response on purpose.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("%v", rec)
				}
				logger.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"panic_stack", string(debug.Stack()),
				).Error(r.Context(), xerrors.Wrap(err, "panic"), "httpserver panic recovered")

				if onPanic != nil {
					onPanic()
				}
				WriteError(w, http.StatusInternalServerError, "Internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
