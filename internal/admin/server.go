// Package admin exposes internal/engine's command surface as the
// HTTP/JSON admin API described in SPEC_FULL.md §6, grounded on the
// teacher's internal/server/server.go route-registration shape and
// internal/dht/localapi.go's writeJSON/writeError/readBody helpers.
package admin

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ssd-technologies/nocturne-dist/internal/engine"
	"github.com/ssd-technologies/nocturne-dist/internal/errs"
)

// maxRequestBody bounds admin API request bodies; ingest/publish requests
// carry file paths and manifests, never raw blob bytes, so this stays
// small relative to blob sizes.
const maxRequestBody = 4 << 20 // 4 MiB

// Server is the HTTP admin API for one Engine.
type Server struct {
	eng *engine.Engine
	mux *http.ServeMux
}

// New creates an admin Server with all routes registered.
func New(eng *engine.Engine) *Server {
	s := &Server{eng: eng, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/keys", s.handleGenerateKey)
	s.mux.HandleFunc("POST /api/ingest", s.handleIngest)
	s.mux.HandleFunc("POST /api/publish", s.handlePublish)
	s.mux.HandleFunc("POST /api/subscribe", s.handleSubscribe)
	s.mux.HandleFunc("DELETE /api/subscribe/{pub}", s.handleUnsubscribe)
	s.mux.HandleFunc("GET /api/subscriptions", s.handleSubscriptions)
	s.mux.HandleFunc("GET /api/blobs", s.handleBlobs)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the stable {kind, message} shape spec.md §6/§7 requires.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError reports err as {kind, message}, translating a *errs.Error's
// Kind into the HTTP status the admin API table implies and falling back
// to 500 for anything untagged.
func writeError(w http.ResponseWriter, err error) {
	kind := errs.Kind("IOError")
	msg := err.Error()
	status := http.StatusInternalServerError

	if e, ok := errs.As(err); ok {
		kind = e.Kind
		msg = e.Error()
		switch e.Kind {
		case errs.KindBadKey, errs.KindBadManifest, errs.KindIO:
			status = http.StatusBadRequest
		case errs.KindExists:
			status = http.StatusConflict
		case errs.KindNotFound:
			status = http.StatusNotFound
		case errs.KindTimeout, errs.KindDHTFail, errs.KindTransport:
			status = http.StatusBadGateway
		case errs.KindStoreFull:
			status = http.StatusInsufficientStorage
		}
	}

	writeJSON(w, status, errorBody{Kind: string(kind), Message: msg})
}

// readJSON decodes a size-bounded JSON request body into dst.
func readJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return errs.Wrap(errs.KindIO, "admin: read request body", err)
	}
	if len(body) > maxRequestBody {
		return errs.New(errs.KindIO, "admin: request body too large")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errs.Wrap(errs.KindBadManifest, "admin: invalid JSON", err)
	}
	return nil
}
