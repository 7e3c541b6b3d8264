package server

import (
	"net/http"
	"net/url"

	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"go.uber.org/zap"
)

// handleMove re-targets a resource to another folder of the same user. The
// resource keeps its name.
func (h *CaldavHandler) handleMove(w http.ResponseWriter, r *http.Request, ctx *RequestContext) {
	if ctx.Resource.ResourceType != ResourceObject {
		http.Error(w, "Method Not Allowed on this resource type", http.StatusMethodNotAllowed)
		return
	}
	dest, err := h.destination(r)
	if err != nil {
		h.Logger.Debug("invalid destination", zap.String("destination", r.Header.Get("Destination")), zap.Error(err))
		http.Error(w, "Bad Request: invalid Destination", http.StatusBadRequest)
		return
	}
	if dest.ResourceType != ResourceObject || dest.UserID != ctx.Resource.UserID {
		http.Error(w, "Forbidden: destination must be an object of the same user", http.StatusForbidden)
		return
	}
	if dest.Name != ctx.Resource.Name {
		http.Error(w, "Forbidden: resources cannot be renamed", http.StatusForbidden)
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
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	}
	target, err := h.Store.GetFolder(r.Context(), dest.FolderID)
	if err != nil {
		h.fail(w, r, storage.WrapStorage("/folders/"+dest.FolderID, err))
		return
	}
	if target.ID == ctx.Resource.FolderID {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.Mapper.Move(r.Context(), res, target); err != nil {
		h.fail(w, r, err)
		return
	}
	evict(ctx, res)

	w.Header().Set("Location", h.objectHref(ctx, target.ID, res.Name()))
	w.WriteHeader(http.StatusCreated)
}

// destination parses the Destination header into a resource.
func (h *CaldavHandler) destination(r *http.Request) (Resource, error) {
	u, err := url.Parse(r.Header.Get("Destination"))
	if err != nil {
		return Resource{}, err
	}
	return h.parse(u.Path)
}
