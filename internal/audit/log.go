// Package audit writes one structured log entry per HTTP request at a
// dedicated level, recording who asked for what and how it was decided.
// Handlers annotate the entry via the request context as the request
// progresses.
package audit

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the dedicated level for audit entries. It sits above every
// standard level so audit records survive any global level filter.
const Level = zerolog.Level(10)

// Entry is the audit record for one request. Fields are filled in by the
// middleware and by handlers as the request is processed.
type Entry struct {
	Method    string
	Path      string
	SourceIP  string
	UserAgent string

	// UserKey is the authenticated subject, when the request carried a
	// valid session.
	UserKey string

	// ThreadID and Resource record what the request operated on, when
	// applicable.
	ThreadID string
	Resource string

	Status int
	Error  string
}

type entryContextKey struct{}

// Context returns a context carrying an audit entry, creating one if the
// context has none. The returned entry is shared with any handler further
// down the chain.
func Context(ctx context.Context) (context.Context, *Entry) {
	if entry, ok := ctx.Value(entryContextKey{}).(*Entry); ok {
		return ctx, entry
	}

	entry := &Entry{}
	return context.WithValue(ctx, entryContextKey{}, entry), entry
}

// Log returns the audit entry for the request, for handlers to annotate.
// Requests that bypass the middleware get a discarded placeholder entry.
func Log(ctx context.Context) *Entry {
	_, entry := Context(ctx)
	return entry
}

// Begin captures the request attributes that are known before the handler
// runs.
func (e *Entry) Begin(r *http.Request) {
	e.Method = r.Method
	e.Path = r.URL.Path
	e.UserAgent = r.UserAgent()
	e.Status = http.StatusOK

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	e.SourceIP = host
}

// End returns the function that writes the entry, for deferral by the
// middleware.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		log.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg("audit")
	}
}

// MarshalZerologObject writes the entry's fields, omitting those with no
// value.
func (e *Entry) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("method", e.Method).
		Str("path", e.Path).
		Str("sourceIP", e.SourceIP).
		Str("userAgent", e.UserAgent).
		Int("status", e.Status)

	if e.UserKey != "" {
		ev.Str("userKey", e.UserKey)
	}
	if e.ThreadID != "" {
		ev.Str("threadID", e.ThreadID)
	}
	if e.Resource != "" {
		ev.Str("resource", e.Resource)
	}
	if e.Error != "" {
		ev.Str("error", e.Error)
	}
}

// Middleware audits every request passing through it. The entry is
// written when the handler completes, including when it panics; a panic
// is recorded on the entry and then re-raised.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())
			entry.Begin(r)

			end := entry.End(ctx)
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				if p := recover(); p != nil {
					if entry.Error == "" {
						entry.Error = fmt.Sprintf("panic: %v", p)
					} else {
						entry.Error = fmt.Sprintf("%s; panic: %v", entry.Error, p)
					}
					entry.Status = http.StatusInternalServerError
					end()
					panic(p)
				}

				entry.Status = sw.status
				end()
			}()

			next.ServeHTTP(sw, r.WithContext(ctx))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
