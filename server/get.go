package server

import (
	"net/http"
	"strconv"

	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"go.uber.org/zap"
)

func (h *CaldavHandler) handleGet(w http.ResponseWriter, r *http.Request, ctx *RequestContext) {
	if ctx.Resource.ResourceType != ResourceObject {
		http.Error(w, "Method Not Allowed on this resource type", http.StatusMethodNotAllowed)
		return
	}
	folder, err := h.folder(r, ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.load(r, ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if res == nil {
		h.fail(w, r, storage.ErrNotFound)
		return
	}

	etag := res.ETag()
	if inm := r.Header.Get("If-None-Match"); inm == etag || inm == "*" {
		w.Header().Set(headerETag, etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	data, err := h.Mapper.ToDocument(res, h.patchContext(ctx, folder))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set(headerContentType, mimeTypeCalendar)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set(headerETag, etag)
	w.Header().Set("Last-Modified", res.LastModified().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(data); err != nil {
		h.Logger.Debug("failed to write response", zap.Error(err))
	}
}
