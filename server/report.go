package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/open-xchange/appsuite-middleware-sub085/internal/xml"
	"github.com/open-xchange/appsuite-middleware-sub085/server/davsync"
	"github.com/open-xchange/appsuite-middleware-sub085/server/mapper"
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"go.uber.org/zap"
)

func (h *CaldavHandler) handleReport(w http.ResponseWriter, r *http.Request, ctx *RequestContext) {
	if ctx.Resource.ResourceType != ResourceCollection {
		http.Error(w, "REPORT is only supported on calendar collections", http.StatusForbidden)
		return
	}
	req, err := xml.ParseRequest(r.Body)
	if err != nil || req.Kind == xml.KindPropfind {
		h.Logger.Debug("bad REPORT body", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	folder, err := h.folder(r, ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.Logger.Debug("report",
		zap.Stringer("kind", req.Kind),
		zap.String("folder", folder.ID),
		zap.Int("props", len(req.Props)))

	var ms *xml.Multistatus
	switch req.Kind {
	case xml.KindSyncCollection:
		ms, err = h.syncCollection(r, ctx, folder, req)
	case xml.KindCalendarMultiget:
		ms, err = h.calendarMultiget(r, ctx, folder, req)
	case xml.KindCalendarQuery:
		ms, err = h.calendarQuery(r, ctx, folder, req)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeMultistatus(w, ms)
}

// syncCollection reports the delta since the client token. Removed resources
// carry a bare 404 status.
func (h *CaldavHandler) syncCollection(r *http.Request, ctx *RequestContext, folder *storage.Folder, req *xml.Request) (*xml.Multistatus, error) {
	token := strings.TrimPrefix(strings.TrimSpace(req.SyncToken), SyncTokenPrefix)
	result, err := h.Sync.Delta(r.Context(), folder.ID, ctx.Cache.Window(), token)
	if err != nil {
		return nil, err
	}
	ms := &xml.Multistatus{SyncToken: SyncTokenPrefix + result.Token}
	for _, change := range result.Changes {
		href := h.objectHref(ctx, folder.ID, change.Name)
		if change.Status == davsync.StatusGone {
			ms.Responses = append(ms.Responses, xml.Response{Href: href, Status: http.StatusNotFound})
			continue
		}
		resp, err := h.objectResponse(r, ctx, folder, req, change.Name, href)
		if err != nil {
			return nil, err
		}
		ms.Responses = append(ms.Responses, resp)
	}
	return ms, nil
}

func (h *CaldavHandler) calendarMultiget(r *http.Request, ctx *RequestContext, folder *storage.Folder, req *xml.Request) (*xml.Multistatus, error) {
	ms := &xml.Multistatus{}
	for _, href := range req.Hrefs {
		path := href
		if u, err := url.Parse(href); err == nil {
			path = u.Path
		}
		target, err := h.parse(path)
		if err != nil || target.ResourceType != ResourceObject || target.FolderID != folder.ID {
			ms.Responses = append(ms.Responses, xml.Response{Href: href, Status: http.StatusNotFound})
			continue
		}
		resp, err := h.objectResponse(r, ctx, folder, req, target.Name, href)
		if err != nil {
			return nil, err
		}
		ms.Responses = append(ms.Responses, resp)
	}
	return ms, nil
}

// calendarQuery lists the resources touching the requested time range, or
// the sync window without one.
func (h *CaldavHandler) calendarQuery(r *http.Request, ctx *RequestContext, folder *storage.Folder, req *xml.Request) (*xml.Multistatus, error) {
	window := ctx.Cache.Window()
	if req.TimeRange != nil {
		window = storage.TimeRange{Start: req.TimeRange.Start, End: req.TimeRange.End}
	}
	resources, err := mapper.ListIn(r.Context(), ctx.Cache, folder.ID, window)
	if err != nil {
		return nil, err
	}
	ms := &xml.Multistatus{}
	for _, res := range resources {
		resp, err := propResponse(h.objectHref(ctx, folder.ID, res.Name()), req, objectProps,
			h.objectLookup(r, ctx, folder, res, false))
		if err != nil {
			return nil, err
		}
		ms.Responses = append(ms.Responses, resp)
	}
	return ms, nil
}

// objectResponse loads a resource by name and reports the requested
// properties, or a bare 404 when it does not resolve.
func (h *CaldavHandler) objectResponse(r *http.Request, ctx *RequestContext, folder *storage.Folder, req *xml.Request, name, href string) (xml.Response, error) {
	loaded, err := mapper.Load(r.Context(), ctx.Cache, folder.ID, name)
	if err != nil {
		return xml.Response{}, err
	}
	res, ok := loaded.Get()
	if !ok {
		return xml.Response{Href: href, Status: http.StatusNotFound}, nil
	}
	return propResponse(href, req, objectProps, h.objectLookup(r, ctx, folder, res, true))
}
