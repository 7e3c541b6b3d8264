package server

import (
	"net/http"

	"github.com/open-xchange/appsuite-middleware-sub085/server/mapper"
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"go.uber.org/zap"
)

func (h *CaldavHandler) handleDelete(w http.ResponseWriter, r *http.Request, ctx *RequestContext) {
	if ctx.Resource.ResourceType != ResourceObject {
		http.Error(w, "Method Not Allowed on this resource type", http.StatusMethodNotAllowed)
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
	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" && ifMatch != "*" && ifMatch != res.ETag() {
		h.Logger.Info("etag mismatch",
			zap.String("client_etag", ifMatch),
			zap.String("server_etag", res.ETag()))
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	}

	if err := h.Mapper.Delete(r.Context(), res); err != nil {
		h.fail(w, r, err)
		return
	}
	evict(ctx, res)

	h.Logger.Info("resource deleted",
		zap.String("folder", ctx.Resource.FolderID),
		zap.String("name", res.Name()))
	w.WriteHeader(http.StatusNoContent)
}

// evict drops the members of res from the request cache of their folder.
func evict(ctx *RequestContext, res *mapper.Resource) {
	for _, m := range res.Members() {
		ctx.Cache.Evict(res.FolderID, m.ID)
	}
}
