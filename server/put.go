package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/open-xchange/appsuite-middleware-sub085/server/mapper"
	"go.uber.org/zap"
)

func (h *CaldavHandler) handlePut(w http.ResponseWriter, r *http.Request, ctx *RequestContext) {
	if ctx.Resource.ResourceType != ResourceObject {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get(headerContentType); ct != "" && !strings.HasPrefix(ct, "text/calendar") {
		h.Logger.Info("unsupported media type", zap.String("content_type", ct))
		http.Error(w, "Unsupported Media Type", http.StatusUnsupportedMediaType)
		return
	}

	folder, err := h.folder(r, ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	existing, err := h.load(r, ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ifMatch := r.Header.Get("If-Match")
	ifNone := r.Header.Get("If-None-Match")
	switch {
	case existing != nil && ifMatch != "" && ifMatch != "*" && ifMatch != existing.ETag():
		h.Logger.Info("etag mismatch",
			zap.String("client_etag", ifMatch),
			zap.String("server_etag", existing.ETag()))
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	case existing != nil && ifNone == "*":
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	case existing == nil && ifMatch != "":
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		h.fail(w, r, err)
		return
	}

	cs, err := h.Mapper.ApplyUpload(r.Context(), existing, folder, data, h.patchContext(ctx, folder))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	written, err := h.Mapper.Persist(r.Context(), cs)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	// new resources are named after their UID; a fresh view makes the tag
	// cover members the upload did not touch
	name := written.Name()
	reloaded, err := mapper.Load(r.Context(), h.newCache(), folder.ID, name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res := reloaded.OrElse(written)
	w.Header().Set(headerETag, res.ETag())

	h.Logger.Info("resource stored",
		zap.String("folder", folder.ID),
		zap.String("name", name),
		zap.Bool("created", existing == nil),
		zap.String("etag", res.ETag()))
	if existing == nil {
		w.Header().Set("Location", h.objectHref(ctx, folder.ID, name))
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
