package server

import (
	"net/http"

	"github.com/open-xchange/appsuite-middleware-sub085/internal/xml"
	"github.com/open-xchange/appsuite-middleware-sub085/server/davsync"
	"github.com/open-xchange/appsuite-middleware-sub085/server/mapper"
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"go.uber.org/zap"
)

// Properties reported for allprop and propname, per resource type.
var (
	objectProps = []xml.Name{
		xml.NameResourceType, xml.NameGetETag, xml.NameContentType, xml.NameGetLastModified,
	}
	collectionProps = []xml.Name{
		xml.NameResourceType, xml.NameDisplayName, xml.NameGetCTag, xml.NameSyncToken,
		xml.NameComponentSet, xml.NameOwner, xml.NameCurrentUserPrincipal,
	}
	principalProps = []xml.Name{
		xml.NameResourceType, xml.NameDisplayName, xml.NamePrincipalURL,
		xml.NameCurrentUserPrincipal, xml.NameCalendarHomeSet, xml.NameCalendarUserAddressSet,
	}
	containerProps = []xml.Name{
		xml.NameResourceType, xml.NameDisplayName, xml.NameCurrentUserPrincipal, xml.NameCalendarHomeSet,
	}
)

// lookupFunc resolves one property. ok is false for properties the resource
// does not have.
type lookupFunc func(n xml.Name) (p xml.Property, ok bool, err error)

// propResponse builds the response of one resource, splitting the requested
// properties into a 200 and a 404 propstat.
func propResponse(href string, req *xml.Request, defaults []xml.Name, lookup lookupFunc) (xml.Response, error) {
	names := req.Props
	if req.AllProp || req.PropName {
		names = defaults
	}
	var found, missing []xml.Property
	for _, n := range names {
		if req.PropName {
			found = append(found, xml.Property{Name: n})
			continue
		}
		p, ok, err := lookup(n)
		if err != nil {
			return xml.Response{}, err
		}
		if ok {
			found = append(found, p)
		} else {
			missing = append(missing, xml.Property{Name: n})
		}
	}

	resp := xml.Response{Href: href}
	if len(found) > 0 || len(missing) == 0 {
		resp.PropStats = append(resp.PropStats, xml.PropStat{Props: found, Status: http.StatusOK})
	}
	if len(missing) > 0 {
		resp.PropStats = append(resp.PropStats, xml.PropStat{Props: missing, Status: http.StatusNotFound})
	}
	return resp, nil
}

func hrefProperty(name xml.Name, href string) xml.Property {
	return xml.Property{Name: name, Children: []xml.Property{{Name: xml.NameHref, Text: href}}}
}

func (h *CaldavHandler) handlePropfind(w http.ResponseWriter, r *http.Request, ctx *RequestContext) {
	req, err := xml.ParseRequest(r.Body)
	if err != nil || req.Kind != xml.KindPropfind {
		h.Logger.Debug("bad PROPFIND body", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	var responses []xml.Response
	switch ctx.Resource.ResourceType {
	case ResourceObject:
		responses, err = h.propfindObject(r, ctx, req)
	case ResourceCollection:
		responses, err = h.propfindCollection(r, ctx, req)
	case ResourceHomeSet:
		responses, err = h.propfindHomeSet(r, ctx, req)
	case ResourcePrincipal:
		var resp xml.Response
		resp, err = propResponse(h.href(ctx.Resource), req, principalProps, h.principalLookup(ctx, ctx.Resource.UserID))
		responses = []xml.Response{resp}
	default:
		var resp xml.Response
		resp, err = propResponse(h.href(ctx.Resource), req, containerProps, h.containerLookup(ctx, "/"))
		responses = []xml.Response{resp}
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeMultistatus(w, &xml.Multistatus{Responses: responses})
}

func (h *CaldavHandler) propfindObject(r *http.Request, ctx *RequestContext, req *xml.Request) ([]xml.Response, error) {
	folder, err := h.folder(r, ctx)
	if err != nil {
		return nil, err
	}
	res, err := h.load(r, ctx)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, storage.ErrNotFound
	}
	resp, err := propResponse(h.objectHref(ctx, folder.ID, res.Name()), req, objectProps,
		h.objectLookup(r, ctx, folder, res, true))
	if err != nil {
		return nil, err
	}
	return []xml.Response{resp}, nil
}

func (h *CaldavHandler) propfindCollection(r *http.Request, ctx *RequestContext, req *xml.Request) ([]xml.Response, error) {
	folder, err := h.folder(r, ctx)
	if err != nil {
		return nil, err
	}
	resp, err := propResponse(h.href(ctx.Resource), req, collectionProps, h.collectionLookup(r, ctx, folder))
	if err != nil {
		return nil, err
	}
	responses := []xml.Response{resp}
	if ctx.Depth < 1 {
		return responses, nil
	}

	resources, err := mapper.List(r.Context(), ctx.Cache, folder.ID)
	if err != nil {
		return nil, err
	}
	for _, res := range resources {
		resp, err := propResponse(h.objectHref(ctx, folder.ID, res.Name()), req, objectProps,
			h.objectLookup(r, ctx, folder, res, false))
		if err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

func (h *CaldavHandler) propfindHomeSet(r *http.Request, ctx *RequestContext, req *xml.Request) ([]xml.Response, error) {
	resp, err := propResponse(h.href(ctx.Resource), req, containerProps, h.containerLookup(ctx, "Calendars"))
	if err != nil {
		return nil, err
	}
	responses := []xml.Response{resp}
	if ctx.Depth < 1 || h.opts.HomeFolders == nil {
		return responses, nil
	}

	for _, id := range h.opts.HomeFolders(ctx.Resource.UserID) {
		folder, err := h.Store.GetFolder(r.Context(), id)
		if storage.IsNotFound(err) {
			h.Logger.Warn("home set folder missing", zap.String("user", ctx.Resource.UserID), zap.String("folder", id))
			continue
		}
		if err != nil {
			return nil, storage.WrapStorage("/folders/"+id, err)
		}
		col := Resource{UserID: ctx.Resource.UserID, FolderID: folder.ID, ResourceType: ResourceCollection}
		resp, err := propResponse(h.href(col), req, collectionProps, h.collectionLookup(r, ctx, folder))
		if err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}
	return responses, nil
}

// objectLookup resolves object properties. complete tells whether res already
// carries all fields; listed resources are reloaded for calendar-data.
func (h *CaldavHandler) objectLookup(r *http.Request, ctx *RequestContext, folder *storage.Folder, res *mapper.Resource, complete bool) lookupFunc {
	return func(n xml.Name) (xml.Property, bool, error) {
		switch n {
		case xml.NameResourceType:
			return xml.Property{Name: n}, true, nil
		case xml.NameGetETag:
			return xml.Property{Name: n, Text: res.ETag()}, true, nil
		case xml.NameContentType:
			return xml.Property{Name: n, Text: mimeTypeCalendar}, true, nil
		case xml.NameGetLastModified:
			return xml.Property{Name: n, Text: res.LastModified().Format(http.TimeFormat)}, true, nil
		case xml.NameCalendarData:
			data, err := h.calendarData(r, ctx, folder, res, complete)
			if err != nil || data == "" {
				return xml.Property{}, false, err
			}
			return xml.Property{Name: n, Text: data}, true, nil
		}
		return xml.Property{}, false, nil
	}
}

// calendarData renders the document of res. A resource that vanished since
// it was listed has none.
func (h *CaldavHandler) calendarData(r *http.Request, ctx *RequestContext, folder *storage.Folder, res *mapper.Resource, complete bool) (string, error) {
	if !complete {
		loaded, err := mapper.Load(r.Context(), ctx.Cache, folder.ID, res.Name())
		if err != nil {
			return "", err
		}
		full, ok := loaded.Get()
		if !ok {
			return "", nil
		}
		res = full
	}
	data, err := h.Mapper.ToDocument(res, h.patchContext(ctx, folder))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (h *CaldavHandler) collectionLookup(r *http.Request, ctx *RequestContext, folder *storage.Folder) lookupFunc {
	var token string
	watermark := func() (string, error) {
		if token != "" {
			return token, nil
		}
		latest, err := ctx.Cache.LastModification(r.Context(), folder.ID, ctx.Cache.Window())
		if err != nil {
			return "", err
		}
		token = davsync.FormatToken(latest)
		return token, nil
	}

	return func(n xml.Name) (xml.Property, bool, error) {
		switch n {
		case xml.NameResourceType:
			return xml.Property{Name: n, Children: []xml.Property{{Name: xml.NameCollection}, {Name: xml.NameCalendar}}}, true, nil
		case xml.NameDisplayName:
			return xml.Property{Name: n, Text: folder.Name}, folder.Name != "", nil
		case xml.NameGetCTag, xml.NameSyncToken:
			t, err := watermark()
			if err != nil {
				return xml.Property{}, false, err
			}
			if n == xml.NameSyncToken {
				t = SyncTokenPrefix + t
			}
			return xml.Property{Name: n, Text: t}, true, nil
		case xml.NameComponentSet:
			return xml.Property{Name: n, Children: []xml.Property{
				{Name: xml.NameComp, Attrs: map[string]string{"name": "VEVENT"}},
			}}, true, nil
		case xml.NameOwner:
			if folder.OwnerID == "" {
				return xml.Property{}, false, nil
			}
			return hrefProperty(n, h.href(Resource{UserID: folder.OwnerID, ResourceType: ResourcePrincipal})), true, nil
		case xml.NameCurrentUserPrincipal:
			return h.currentUserPrincipal(ctx)
		}
		return xml.Property{}, false, nil
	}
}

func (h *CaldavHandler) principalLookup(ctx *RequestContext, user string) lookupFunc {
	return func(n xml.Name) (xml.Property, bool, error) {
		switch n {
		case xml.NameResourceType:
			return xml.Property{Name: n, Children: []xml.Property{{Name: xml.NamePrincipal}}}, true, nil
		case xml.NameDisplayName:
			return xml.Property{Name: n, Text: user}, true, nil
		case xml.NamePrincipalURL:
			return hrefProperty(n, h.href(Resource{UserID: user, ResourceType: ResourcePrincipal})), true, nil
		case xml.NameCurrentUserPrincipal:
			return h.currentUserPrincipal(ctx)
		case xml.NameCalendarHomeSet:
			return hrefProperty(n, h.href(Resource{UserID: user, ResourceType: ResourceHomeSet})), true, nil
		case xml.NameCalendarUserAddressSet:
			if h.opts.UserAddress == nil {
				return xml.Property{}, false, nil
			}
			addr := h.opts.UserAddress(user)
			return hrefProperty(n, addr), addr != "", nil
		}
		return xml.Property{}, false, nil
	}
}

// containerLookup serves the service root and home sets.
func (h *CaldavHandler) containerLookup(ctx *RequestContext, displayName string) lookupFunc {
	return func(n xml.Name) (xml.Property, bool, error) {
		switch n {
		case xml.NameResourceType:
			return xml.Property{Name: n, Children: []xml.Property{{Name: xml.NameCollection}}}, true, nil
		case xml.NameDisplayName:
			return xml.Property{Name: n, Text: displayName}, true, nil
		case xml.NameCurrentUserPrincipal:
			return h.currentUserPrincipal(ctx)
		case xml.NameCalendarHomeSet:
			if ctx.AuthUser == "" {
				return xml.Property{}, false, nil
			}
			return hrefProperty(n, h.href(Resource{UserID: ctx.AuthUser, ResourceType: ResourceHomeSet})), true, nil
		}
		return xml.Property{}, false, nil
	}
}

func (h *CaldavHandler) currentUserPrincipal(ctx *RequestContext) (xml.Property, bool, error) {
	if ctx.AuthUser == "" {
		return xml.Property{}, false, nil
	}
	return hrefProperty(xml.NameCurrentUserPrincipal, h.href(Resource{UserID: ctx.AuthUser, ResourceType: ResourcePrincipal})), true, nil
}
