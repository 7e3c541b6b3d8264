// Package server exposes the groupware calendar store over CalDAV.
//
// CaldavHandler builds one request-scoped object cache per request and routes
// the CalDAV methods to the resource mapper and the sync engine.
package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/open-xchange/appsuite-middleware-sub085/server/auth"
	"github.com/open-xchange/appsuite-middleware-sub085/server/cache"
	"github.com/open-xchange/appsuite-middleware-sub085/server/davsync"
	"github.com/open-xchange/appsuite-middleware-sub085/server/mapper"
	"github.com/open-xchange/appsuite-middleware-sub085/server/patch"
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"go.uber.org/zap"
)

const (
	headerContentType = "Content-Type"
	headerETag        = "ETag"
	headerDAV         = "DAV"
	headerAllow       = "Allow"

	mimeTypeCalendar = "text/calendar; charset=utf-8"
	mimeTypeXML      = "application/xml; charset=utf-8"

	davCapabilities = "1, 3, calendar-access"
	allowedMethods  = "OPTIONS, PROPFIND, REPORT, GET, PUT, DELETE, MOVE"

	// SyncTokenPrefix turns watermarks into the URIs handed out as DAV:sync-token.
	SyncTokenPrefix = "http://open-xchange.com/ns/sync/"

	maxBodySize   = 8 << 20
	depthInfinity = 1 << 10
)

// RequestContext holds parsed information about the incoming CalDAV request.
type RequestContext struct {
	Resource Resource
	// AuthUser is the calling user, the Resource user when no identity is known.
	AuthUser string
	Depth    int
	// Cache is owned by this request.
	Cache *cache.Cache
	// Agent is the classified User-Agent.
	Agent patch.Agent
}

// Options configure a CaldavHandler.
type Options struct {
	// Prefix the handler is mounted under, e.g. "/caldav/".
	Prefix    string
	Store     storage.Store
	Directory storage.Directory
	// Pipeline defaults to the standard patch table.
	Pipeline *patch.Pipeline
	// Sync defaults to an engine without token expiry.
	Sync *davsync.Engine
	// Window resolves the sync window for a request; nil is unbounded.
	Window func(now time.Time) storage.TimeRange
	// StrictRange clamps client time ranges to the window.
	StrictRange bool
	// AttachmentBaseURL prefixes managed attachment links.
	AttachmentBaseURL string
	// Identity returns the calling user. Authentication happens upstream;
	// the default uses the auth middleware principal.
	Identity func(r *http.Request) string
	// UserAddress returns the calendar user address of a user. The default
	// uses the owner address of folders the user owns.
	UserAddress func(user string) string
	// HomeFolders lists the folder ids shown in a user's home set.
	HomeFolders  func(user string) []string
	MaxDepth     int
	URLConverter URLConverter
	Clock        func() time.Time
	Logger       *zap.Logger
}

// CaldavHandler is the main HTTP handler for CalDAV requests under a specific prefix.
type CaldavHandler struct {
	Prefix       string
	Store        storage.Store
	Mapper       *mapper.Mapper
	Sync         *davsync.Engine
	URLConverter URLConverter
	MaxDepth     int
	Logger       *zap.Logger

	opts Options
}

// NewCaldavHandler creates a new CaldavHandler.
func NewCaldavHandler(opts Options) *CaldavHandler {
	prefix := opts.Prefix
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	opts.Prefix = prefix
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Window == nil {
		opts.Window = func(time.Time) storage.TimeRange { return storage.TimeRange{} }
	}
	if opts.Identity == nil {
		opts.Identity = requestUser
	}
	if opts.URLConverter == nil {
		opts.URLConverter = &DefaultURLConverter{Prefix: prefix}
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 1
	}
	if opts.Sync == nil {
		opts.Sync = davsync.New(opts.Store, davsync.Options{Clock: opts.Clock, Logger: opts.Logger})
	}
	return &CaldavHandler{
		Prefix:       prefix,
		Store:        opts.Store,
		Mapper:       mapper.New(opts.Store, opts.Directory, opts.Pipeline, opts.Logger),
		Sync:         opts.Sync,
		URLConverter: opts.URLConverter,
		MaxDepth:     opts.MaxDepth,
		Logger:       opts.Logger,
		opts:         opts,
	}
}

// requestUser prefers the principal set by the auth middleware and falls back
// to the Basic-Auth user name.
func requestUser(r *http.Request) string {
	if id := auth.UserID(r); id != "" {
		return id
	}
	user, _, ok := r.BasicAuth()
	if !ok {
		return ""
	}
	return user
}

// newCache creates the object cache of one request.
func (h *CaldavHandler) newCache() *cache.Cache {
	return cache.New(h.Store, cache.Options{
		Window: h.opts.Window(h.opts.Clock()),
		Strict: h.opts.StrictRange,
		Logger: h.Logger,
	})
}

// ServeHTTP parses the request path and routes by method.
func (h *CaldavHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resource, err := h.parse(r.URL.Path)
	if err != nil {
		h.Logger.Debug("unparseable path", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	ctx := &RequestContext{
		Resource: resource,
		AuthUser: h.opts.Identity(r),
		Depth:    h.depth(r),
		Cache:    h.newCache(),
		Agent:    patch.ParseUserAgent(r.UserAgent()),
	}
	if ctx.AuthUser == "" {
		ctx.AuthUser = resource.UserID
	}
	h.Logger.Debug("request received",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Stringer("resource_type", resource.ResourceType),
		zap.String("user", ctx.AuthUser),
		zap.Stringer("agent", ctx.Agent))

	// users only see their own tree; sharing is expressed through folders
	if resource.UserID != "" && resource.UserID != ctx.AuthUser {
		h.Logger.Warn("access denied",
			zap.String("user", ctx.AuthUser),
			zap.String("owner", resource.UserID))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	}

	switch r.Method {
	case "PROPFIND":
		h.handlePropfind(w, r, ctx)
	case "REPORT":
		h.handleReport(w, r, ctx)
	case http.MethodPut:
		h.handlePut(w, r, ctx)
	case http.MethodGet, http.MethodHead:
		h.handleGet(w, r, ctx)
	case http.MethodDelete:
		h.handleDelete(w, r, ctx)
	case "MOVE":
		h.handleMove(w, r, ctx)
	case http.MethodOptions:
		h.handleOptions(w, r, ctx)
	default:
		h.Logger.Debug("method not allowed", zap.String("method", r.Method))
		w.Header().Set(headerAllow, allowedMethods)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// parse resolves an absolute path below the prefix.
func (h *CaldavHandler) parse(path string) (Resource, error) {
	rel, ok := strings.CutPrefix(path, h.Prefix)
	if !ok {
		if path+"/" != h.Prefix {
			return Resource{}, fmt.Errorf("path %q outside of %s", path, h.Prefix)
		}
		rel = ""
	}
	return h.URLConverter.ParsePath(rel)
}

func (h *CaldavHandler) depth(r *http.Request) int {
	switch v := r.Header.Get("Depth"); v {
	case "":
		return 0
	case "infinity":
		return min(depthInfinity, h.MaxDepth)
	default:
		d, err := strconv.Atoi(v)
		if err != nil || d < 0 {
			h.Logger.Debug("invalid depth header, defaulting to 0", zap.String("depth", v))
			return 0
		}
		return min(d, h.MaxDepth)
	}
}

// ServeWellKnown redirects /.well-known/caldav to the service root.
func (h *CaldavHandler) ServeWellKnown(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.Prefix, http.StatusMovedPermanently)
}

func (h *CaldavHandler) handleOptions(w http.ResponseWriter, _ *http.Request, _ *RequestContext) {
	w.Header().Set(headerDAV, davCapabilities)
	w.Header().Set(headerAllow, allowedMethods)
	w.WriteHeader(http.StatusOK)
}

// patchContext describes the request for the patch pipeline.
func (h *CaldavHandler) patchContext(ctx *RequestContext, folder *storage.Folder) patch.Context {
	pc := patch.Context{
		Agent:              ctx.Agent,
		FolderType:         folder.Type,
		FolderOwnerAddress: folder.OwnerAddress,
		AttachmentBaseURL:  strings.TrimSuffix(h.opts.AttachmentBaseURL, "/"),
	}
	switch {
	case h.opts.UserAddress != nil:
		pc.UserAddress = h.opts.UserAddress(ctx.AuthUser)
	case folder.OwnerID == ctx.AuthUser:
		pc.UserAddress = folder.OwnerAddress
	}
	return pc
}

// folder loads the folder of a collection or object request.
func (h *CaldavHandler) folder(r *http.Request, ctx *RequestContext) (*storage.Folder, error) {
	f, err := h.Store.GetFolder(r.Context(), ctx.Resource.FolderID)
	if err != nil {
		return nil, storage.WrapStorage("/folders/"+ctx.Resource.FolderID, err)
	}
	return f, nil
}

// load resolves the object named by the request.
func (h *CaldavHandler) load(r *http.Request, ctx *RequestContext) (*mapper.Resource, error) {
	res, err := mapper.Load(r.Context(), ctx.Cache, ctx.Resource.FolderID, ctx.Resource.Name)
	if err != nil {
		return nil, err
	}
	return res.OrEmpty(), nil
}

func (h *CaldavHandler) href(res Resource) string {
	p, err := h.URLConverter.EncodePath(res)
	if err != nil {
		h.Logger.Error("unexpected error encoding path", zap.Error(err))
		return ""
	}
	return p
}

func (h *CaldavHandler) objectHref(ctx *RequestContext, folderID, name string) string {
	return h.href(Resource{UserID: ctx.Resource.UserID, FolderID: folderID, Name: name, ResourceType: ResourceObject})
}
