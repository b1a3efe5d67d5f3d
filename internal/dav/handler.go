// Package dav is the protocol front end: WebDAV-style verbs over
// gorilla/mux, Basic authentication against the credential store,
// session admission, and the mapping from the error taxonomy to
// status codes. All semantics live in the coordinator; this package
// only translates the wire protocol.
package dav

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/maneesh/drivebridge/internal/bridge"
	"github.com/maneesh/drivebridge/internal/metrics"
	"github.com/maneesh/drivebridge/internal/pathresolve"
	"github.com/maneesh/drivebridge/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Prefix is the URL prefix the namespace is mounted under.
const Prefix = "/dav"

// Resumable upload control headers. Clients without them get the
// single-shot path.
const (
	headerUploadBegin    = "X-Upload-Begin"
	headerUploadID       = "X-Upload-ID"
	headerUploadComplete = "X-Upload-Complete"
	headerUploadReceived = "X-Upload-Received"
	headerDeclaredLength = "X-Declared-Length"
	headerOriginalTime   = "X-Original-Time"
)

// Handler serves the protocol tree.
type Handler struct {
	coord *bridge.Coordinator
	auth  *authenticator
}

// NewHandler wires the front end.
func NewHandler(coord *bridge.Coordinator, repo storage.MetadataRepository, sessions sessionAdmitter) *Handler {
	return &Handler{
		coord: coord,
		auth:  newAuthenticator(repo, sessions),
	}
}

// Register mounts the protocol tree on the router under Prefix, with
// authentication and tracing around every verb.
func (h *Handler) Register(router *mux.Router) {
	sub := router.PathPrefix(Prefix).Subrouter()
	wrap := func(name string, fn http.HandlerFunc) http.Handler {
		return otelhttp.NewHandler(h.auth.middleware(fn), name)
	}

	sub.PathPrefix("/").Handler(wrap("PROPFIND", h.handlePropfind)).Methods("PROPFIND")
	sub.PathPrefix("/").Handler(wrap("PROPPATCH", h.handleProppatch)).Methods("PROPPATCH")
	sub.PathPrefix("/").Handler(wrap("GET", h.handleGet)).Methods("GET", "HEAD")
	sub.PathPrefix("/").Handler(wrap("PUT", h.handlePut)).Methods("PUT")
	sub.PathPrefix("/").Handler(wrap("DELETE", h.handleDelete)).Methods("DELETE")
	sub.PathPrefix("/").Handler(wrap("MKCOL", h.handleMkcol)).Methods("MKCOL")
	sub.PathPrefix("/").Handler(wrap("MOVE", h.handleMove)).Methods("MOVE")
	sub.PathPrefix("/").Handler(wrap("COPY", h.handleCopy)).Methods("COPY")
	sub.PathPrefix("/").Handler(wrap("OPTIONS", http.HandlerFunc(handleOptions))).Methods("OPTIONS")
}

// davPath maps the request URL to the virtual path inside the
// namespace.
func davPath(r *http.Request) string {
	p := strings.TrimPrefix(r.URL.Path, Prefix)
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	if p == "" {
		return "/"
	}
	return p
}

// locationOf renders a virtual path as the escaped URL the committed
// resource now lives at. Clients read it to learn the final name when
// the server disambiguated.
func locationOf(path string) string {
	u := url.URL{Path: Prefix + path}
	return u.EscapedPath()
}

func handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("DAV", "1, 2")
	w.Header().Set("Allow", "OPTIONS, GET, HEAD, PUT, DELETE, PROPFIND, PROPPATCH, MKCOL, MOVE, COPY")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	loc, err := pathresolve.Classify(davPath(r))
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.coord.Download(r.Context(), p.OwnerID, loc)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.RedirectURL != "" {
		http.Redirect(w, r, res.RedirectURL, http.StatusFound)
		return
	}
	defer res.Body.Close()

	w.Header().Set("Content-Type", contentTypeOf(res.Record.MimeType))
	w.Header().Set("Content-Length", strconv.FormatInt(res.Record.SizeBytes, 10))
	w.Header().Set("ETag", fmt.Sprintf("%q", res.Record.ChecksumSHA))
	w.Header().Set("Last-Modified", res.Record.ModifiedAt.UTC().Format(http.TimeFormat))
	if r.Method == http.MethodHead {
		return
	}
	n, err := io.Copy(w, res.Body)
	metrics.ObserveTransfer("download", n)
	if err != nil {
		log.Printf("Download stream aborted for %s: %v", res.Record.Path, err)
	}
}

func contentTypeOf(mime string) string {
	if mime == "" {
		return "application/octet-stream"
	}
	return mime
}

// handlePut serves WRITE. Small bodies commit in one sequence; bodies
// at or above the resumable threshold run through partial upload
// state, as do clients driving the resumable headers explicitly.
func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	target := davPath(r)
	ctx := r.Context()

	switch {
	case r.Header.Get(headerUploadBegin) != "":
		declared, err := strconv.ParseInt(r.Header.Get(headerDeclaredLength), 10, 64)
		if err != nil {
			http.Error(w, "missing or malformed "+headerDeclaredLength, http.StatusBadRequest)
			return
		}
		st, err := h.coord.BeginResumable(ctx, p.OwnerID, target, declared)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set(headerUploadID, st.UploadID)
		w.WriteHeader(http.StatusCreated)
		return

	case r.Header.Get(headerUploadID) != "" && r.Header.Get(headerUploadComplete) == "true":
		rec, err := h.coord.CompleteResumable(ctx, p.OwnerID, r.Header.Get(headerUploadID), r.Header.Get("Content-Type"))
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("ETag", fmt.Sprintf("%q", rec.ChecksumSHA))
		w.Header().Set("Location", locationOf(rec.Path))
		w.WriteHeader(http.StatusCreated)
		return

	case r.Header.Get(headerUploadID) != "":
		st, err := h.coord.AppendResumable(ctx, p.OwnerID, r.Header.Get(headerUploadID), r.Body, r.ContentLength)
		if err != nil {
			writeError(w, err)
			return
		}
		metrics.ObserveTransfer("upload", r.ContentLength)
		w.Header().Set(headerUploadReceived, strconv.FormatInt(st.ReceivedBytes, 10))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if r.ContentLength < 0 {
		http.Error(w, "Content-Length required", http.StatusLengthRequired)
		return
	}

	if r.ContentLength >= h.coord.ResumableThreshold() {
		h.putLarge(w, r, p.OwnerID, target)
		return
	}

	rec, err := h.coord.Upload(ctx, p.OwnerID, bridge.UploadRequest{
		Path:         target,
		Body:         r.Body,
		SizeBytes:    r.ContentLength,
		MimeType:     r.Header.Get("Content-Type"),
		OriginalTime: parseOriginalTime(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ObserveTransfer("upload", rec.SizeBytes)
	w.Header().Set("ETag", fmt.Sprintf("%q", rec.ChecksumSHA))
	w.Header().Set("Location", locationOf(rec.Path))
	w.WriteHeader(http.StatusCreated)
}

// putLarge routes a large single-shot body through the resumable
// machinery so the transfer is refused outright when the ephemeral
// store is down, instead of being accepted in a form the client could
// never resume.
func (h *Handler) putLarge(w http.ResponseWriter, r *http.Request, ownerID int64, target string) {
	ctx := r.Context()
	st, err := h.coord.BeginResumable(ctx, ownerID, target, r.ContentLength)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.coord.AppendResumable(ctx, ownerID, st.UploadID, r.Body, r.ContentLength); err != nil {
		writeError(w, err)
		return
	}
	metrics.ObserveTransfer("upload", r.ContentLength)
	rec, err := h.coord.CompleteResumable(ctx, ownerID, st.UploadID, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", fmt.Sprintf("%q", rec.ChecksumSHA))
	w.Header().Set("Location", locationOf(rec.Path))
	w.WriteHeader(http.StatusCreated)
}

func parseOriginalTime(r *http.Request) time.Time {
	if raw := r.Header.Get(headerOriginalTime); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	if uploadID := r.Header.Get(headerUploadID); uploadID != "" {
		if err := h.coord.AbortResumable(r.Context(), p.OwnerID, uploadID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	loc, err := pathresolve.Classify(davPath(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.coord.Delete(r.Context(), p.OwnerID, loc); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMkcol(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	if err := h.coord.MakeCollection(r.Context(), p.OwnerID, davPath(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// destinationPath resolves the Destination header to a virtual path.
func destinationPath(r *http.Request) (string, error) {
	raw := r.Header.Get("Destination")
	if raw == "" {
		return "", fmt.Errorf("missing Destination header")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("malformed Destination header")
	}
	dst := strings.TrimPrefix(u.Path, Prefix)
	if dst == "" {
		dst = "/"
	}
	return dst, nil
}

func (h *Handler) handleMove(w http.ResponseWriter, r *http.Request) {
	h.relocate(w, r, h.coord.Move)
}

func (h *Handler) handleCopy(w http.ResponseWriter, r *http.Request) {
	h.relocate(w, r, h.coord.Copy)
}

func (h *Handler) relocate(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, ownerID int64, src, dst pathresolve.Location) (string, error)) {
	p := principalFrom(r.Context())

	src, err := pathresolve.Classify(davPath(r))
	if err != nil {
		writeError(w, err)
		return
	}
	dstPath, err := destinationPath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dst, err := pathresolve.Classify(dstPath)
	if err != nil {
		writeError(w, err)
		return
	}
	committed, err := op(r.Context(), p.OwnerID, src, dst)
	if err != nil {
		writeError(w, err)
		return
	}
	if committed != "" {
		w.Header().Set("Location", locationOf(committed))
	}
	w.WriteHeader(http.StatusCreated)
}
