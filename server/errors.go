package server

import (
	"errors"
	"net/http"

	"github.com/open-xchange/appsuite-middleware-sub085/internal/xml"
	"github.com/open-xchange/appsuite-middleware-sub085/server/davsync"
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"go.uber.org/zap"
)

// preconditionName qualifies a precondition; sync tokens belong to WebDAV,
// everything else to CalDAV.
func preconditionName(precondition string) xml.Name {
	if precondition == storage.PreconditionValidSyncToken {
		return xml.Name{Space: xml.DAV, Local: precondition}
	}
	return xml.Name{Space: xml.CalDAV, Local: precondition}
}

// fail maps err to a response: validation failures and expired sync tokens
// are 403 with a DAV:error body, unknown resources 404, lost updates 412.
func (h *CaldavHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *storage.ValidationError
	switch {
	case errors.As(err, &ve):
		h.Logger.Info("request rejected",
			zap.String("path", r.URL.Path),
			zap.String("precondition", ve.Precondition),
			zap.String("reason", ve.Msg))
		h.writePrecondition(w, preconditionName(ve.Precondition), ve.Msg)
	case errors.Is(err, davsync.ErrSyncTokenExpired):
		h.Logger.Info("sync token expired", zap.String("path", r.URL.Path))
		h.writePrecondition(w, preconditionName(storage.PreconditionValidSyncToken), err.Error())
	case storage.IsNotFound(err):
		h.Logger.Debug("resource not found", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "Not Found", http.StatusNotFound)
	case errors.Is(err, storage.ErrConflict):
		h.Logger.Info("concurrent modification", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
	default:
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (h *CaldavHandler) writePrecondition(w http.ResponseWriter, cond xml.Name, msg string) {
	body := &xml.Error{Precondition: cond, Message: msg}
	w.Header().Set(headerContentType, mimeTypeXML)
	w.WriteHeader(http.StatusForbidden)
	if _, err := body.Document().WriteTo(w); err != nil {
		h.Logger.Debug("failed to write error body", zap.Error(err))
	}
}

// writeMultistatus sends a 207 response.
func (h *CaldavHandler) writeMultistatus(w http.ResponseWriter, ms *xml.Multistatus) {
	doc := ms.Document()
	doc.Indent(2)
	w.Header().Set(headerContentType, mimeTypeXML)
	w.WriteHeader(http.StatusMultiStatus)
	if _, err := doc.WriteTo(w); err != nil {
		h.Logger.Debug("failed to write multistatus", zap.Error(err))
	}
}
