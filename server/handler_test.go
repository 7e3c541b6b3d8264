package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/beevik/etree"
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"github.com/open-xchange/appsuite-middleware-sub085/server/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const eventPath = "/caldav/u1/cal/f1/ev1.ics"

func ics(lines ...string) string {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN"}, lines...)
	return strings.Join(append(all, "END:VCALENDAR", ""), "\r\n")
}

func event(uid string) string {
	return ics(
		"BEGIN:VEVENT",
		"UID:"+uid,
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240101T090000Z",
		"DTEND:20240101T100000Z",
		"SUMMARY:Planning",
		"END:VEVENT")
}

type testServer struct {
	store   *memory.Store
	handler *CaldavHandler
}

func newTestServer(t *testing.T) *testServer {
	store := memory.New()
	store.AddFolder(storage.Folder{ID: "f1", Name: "Calendar", OwnerID: "u1", OwnerAddress: "mailto:alice@example.com"})
	store.AddFolder(storage.Folder{ID: "f3", Name: "Work", OwnerID: "u1", OwnerAddress: "mailto:alice@example.com"})
	store.AddIdentity(storage.Identity{EntityID: "u1", Email: "alice@example.com"})
	h := NewCaldavHandler(Options{
		Prefix:      "/caldav/",
		Store:       store,
		Directory:   store,
		HomeFolders: func(string) []string { return []string{"f1", "f3", "gone"} },
		Logger:      zaptest.NewLogger(t),
	})
	return &testServer{store: store, handler: h}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.SetBasicAuth("u1", "secret")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) put(t *testing.T, path, body string) string {
	t.Helper()
	rec := s.do(t, http.MethodPut, path, body, "Content-Type", "text/calendar")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return rec.Header().Get("ETag")
}

// statuses maps each response href of a multistatus to its status lines.
func statuses(t *testing.T, rec *httptest.ResponseRecorder) map[string][]string {
	t.Helper()
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(rec.Body.String()))
	out := make(map[string][]string)
	for _, resp := range doc.FindElements("//D:response") {
		href := resp.FindElement("D:href").Text()
		for _, st := range resp.FindElements(".//D:status") {
			out[href] = append(out[href], st.Text())
		}
	}
	return out
}

func texts(t *testing.T, rec *httptest.ResponseRecorder, path string) []string {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(rec.Body.String()))
	var out []string
	for _, el := range doc.FindElements(path) {
		out = append(out, el.Text())
	}
	return out
}

func TestHandler_PutGetDelete(t *testing.T) {
	s := newTestServer(t)

	etag := s.put(t, eventPath, event("ev1"))
	require.NotEmpty(t, etag)

	rec := s.do(t, http.MethodGet, eventPath, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, etag, rec.Header().Get("ETag"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/calendar")
	assert.Contains(t, rec.Body.String(), "UID:ev1")
	assert.Contains(t, rec.Body.String(), "SUMMARY:Planning")

	rec = s.do(t, http.MethodGet, eventPath, "", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, rec.Code)

	rec = s.do(t, http.MethodHead, eventPath, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = s.do(t, http.MethodPut, eventPath, event("ev1"), "If-None-Match", "*")
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = s.do(t, http.MethodPut, eventPath, event("ev1"), "If-Match", `"0-1"`)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	review := strings.Replace(event("ev1"), "SUMMARY:Planning", "SUMMARY:Review", 1)
	rec = s.do(t, http.MethodPut, eventPath, review, "If-Match", etag)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	updated := rec.Header().Get("ETag")
	assert.NotEqual(t, etag, updated)
	assert.Contains(t, s.do(t, http.MethodGet, eventPath, "").Body.String(), "SUMMARY:Review")

	rec = s.do(t, http.MethodDelete, eventPath, "", "If-Match", etag)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = s.do(t, http.MethodDelete, eventPath, "", "If-Match", updated)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, eventPath, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodDelete, eventPath, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_PutRejected(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		headers  []string
		code     int
		contains string
	}{
		{
			name:    "wrong media type",
			path:    eventPath,
			body:    event("ev1"),
			headers: []string{"Content-Type", "application/json"},
			code:    http.StatusUnsupportedMediaType,
		},
		{
			name:     "garbage",
			path:     eventPath,
			body:     "this is not a calendar",
			code:     http.StatusForbidden,
			contains: "valid-calendar-data",
		},
		{
			name:     "todo",
			path:     eventPath,
			body:     ics("BEGIN:VTODO", "UID:t", "DTSTAMP:20240101T000000Z", "END:VTODO"),
			code:     http.StatusForbidden,
			contains: "supported-calendar-component",
		},
		{
			name: "collection",
			path: "/caldav/u1/cal/f1/",
			body: event("ev1"),
			code: http.StatusMethodNotAllowed,
		},
		{
			name: "unknown folder",
			path: "/caldav/u1/cal/nope/ev1.ics",
			body: event("ev1"),
			code: http.StatusNotFound,
		},
		{
			name:    "if-match on missing resource",
			path:    eventPath,
			body:    event("ev1"),
			headers: []string{"If-Match", `"1-1"`},
			code:    http.StatusPreconditionFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(t, http.MethodPut, tt.path, tt.body, tt.headers...)
			assert.Equal(t, tt.code, rec.Code)
			if tt.contains != "" {
				assert.Contains(t, rec.Body.String(), tt.contains)
			}
		})
	}
}

func TestHandler_Routing(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/caldav/u2/cal/f1/ev1.ics", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/caldav/u1/calendars/f1/", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/elsewhere/u1/", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, "MKCOL", "/caldav/u1/cal/new/", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Header().Get("Allow"), "PROPFIND")

	rec = s.do(t, http.MethodOptions, "/caldav/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, davCapabilities, rec.Header().Get("DAV"))
}

func TestHandler_WellKnown(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.handler.ServeWellKnown(rec, httptest.NewRequest(http.MethodGet, "/.well-known/caldav", nil))
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/caldav/", rec.Header().Get("Location"))
}

func TestHandler_Move(t *testing.T) {
	s := newTestServer(t)
	s.put(t, eventPath, event("ev1"))

	rec := s.do(t, "MOVE", eventPath, "", "Destination", "http://example.com/caldav/u1/cal/f3/other.ics")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, "MOVE", eventPath, "", "Destination", "http://example.com/caldav/u2/cal/f3/ev1.ics")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, "MOVE", eventPath, "", "Destination", "/caldav/u1/cal/f1/ev1.ics")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, "MOVE", eventPath, "", "Destination", "http://example.com/caldav/u1/cal/f3/ev1.ics")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/caldav/u1/cal/f3/ev1.ics", rec.Header().Get("Location"))

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, eventPath, "").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/caldav/u1/cal/f3/ev1.ics", "").Code)
}

func TestHandler_PropfindCollection(t *testing.T) {
	s := newTestServer(t)
	etag := s.put(t, eventPath, event("ev1"))

	body := `<?xml version="1.0"?>
<D:propfind xmlns:D="DAV:" xmlns:CS="http://calendarserver.org/ns/">
  <D:prop><D:getetag/><CS:getctag/><D:sync-token/><D:displayname/><D:quota-used-bytes/></D:prop>
</D:propfind>`
	rec := s.do(t, "PROPFIND", "/caldav/u1/cal/f1/", body, "Depth", "1")
	st := statuses(t, rec)

	require.Contains(t, st, "/caldav/u1/cal/f1/")
	require.Contains(t, st, eventPath)
	assert.ElementsMatch(t, []string{"HTTP/1.1 200 OK", "HTTP/1.1 404 Not Found"}, st["/caldav/u1/cal/f1/"])
	assert.Contains(t, rec.Body.String(), SyncTokenPrefix)
	assert.Contains(t, rec.Body.String(), "<D:displayname>Calendar</D:displayname>")
	assert.Contains(t, texts(t, rec, "//D:getetag"), etag)

	rec = s.do(t, "PROPFIND", "/caldav/u1/cal/f1/", body, "Depth", "0")
	assert.Len(t, statuses(t, rec), 1)
}

func TestHandler_PropfindObjectCalendarData(t *testing.T) {
	s := newTestServer(t)
	s.put(t, eventPath, event("ev1"))

	body := `<D:propfind xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav"><D:prop><C:calendar-data/></D:prop></D:propfind>`
	rec := s.do(t, "PROPFIND", eventPath, body)
	st := statuses(t, rec)
	assert.Equal(t, []string{"HTTP/1.1 200 OK"}, st[eventPath])
	assert.Contains(t, rec.Body.String(), "UID:ev1")

	rec = s.do(t, "PROPFIND", "/caldav/u1/cal/f1/missing.ics", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, "PROPFIND", eventPath, "<D:propfind xmlns:D=")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_PropfindDiscovery(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, "PROPFIND", "/caldav/", "")
	assert.Contains(t, rec.Body.String(), "/caldav/u1/")
	assert.Len(t, statuses(t, rec), 1)

	rec = s.do(t, "PROPFIND", "/caldav/u1/", "")
	st := statuses(t, rec)
	assert.Contains(t, st, "/caldav/u1/")
	assert.Contains(t, rec.Body.String(), "/caldav/u1/cal/")

	rec = s.do(t, "PROPFIND", "/caldav/u1/cal/", "", "Depth", "1")
	st = statuses(t, rec)
	assert.Contains(t, st, "/caldav/u1/cal/")
	assert.Contains(t, st, "/caldav/u1/cal/f1/")
	assert.Contains(t, st, "/caldav/u1/cal/f3/")
	assert.Len(t, st, 3)
	assert.Contains(t, rec.Body.String(), `name="VEVENT"`)
}

func TestHandler_SyncCollection(t *testing.T) {
	s := newTestServer(t)
	s.put(t, eventPath, event("ev1"))

	report := func(token string) string {
		return `<D:sync-collection xmlns:D="DAV:"><D:sync-token>` + token +
			`</D:sync-token><D:sync-level>1</D:sync-level><D:prop><D:getetag/></D:prop></D:sync-collection>`
	}
	tokenOf := func(rec *httptest.ResponseRecorder) string {
		tokens := texts(t, rec, "/D:multistatus/D:sync-token")
		require.Len(t, tokens, 1)
		return tokens[0]
	}

	rec := s.do(t, "REPORT", "/caldav/u1/cal/f1/", report(""))
	assert.Equal(t, []string{"HTTP/1.1 200 OK"}, statuses(t, rec)[eventPath])
	token := tokenOf(rec)
	assert.True(t, strings.HasPrefix(token, SyncTokenPrefix))

	rec = s.do(t, "REPORT", "/caldav/u1/cal/f1/", report(token))
	assert.Empty(t, statuses(t, rec))
	assert.Equal(t, token, tokenOf(rec))

	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, eventPath, "").Code)
	rec = s.do(t, "REPORT", "/caldav/u1/cal/f1/", report(token))
	assert.Equal(t, []string{"HTTP/1.1 404 Not Found"}, statuses(t, rec)[eventPath])
	assert.NotEqual(t, token, tokenOf(rec))

	rec = s.do(t, "REPORT", "/caldav/u1/cal/f1/", report("garbage"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "valid-sync-token")
}

func TestHandler_CalendarMultiget(t *testing.T) {
	s := newTestServer(t)
	s.put(t, eventPath, event("ev1"))

	body := `<C:calendar-multiget xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><D:getetag/><C:calendar-data/></D:prop>
  <D:href>/caldav/u1/cal/f1/ev1.ics</D:href>
  <D:href>/caldav/u1/cal/f1/missing.ics</D:href>
  <D:href>/caldav/u1/cal/f3/ev1.ics</D:href>
</C:calendar-multiget>`
	rec := s.do(t, "REPORT", "/caldav/u1/cal/f1/", body)
	st := statuses(t, rec)
	assert.Equal(t, []string{"HTTP/1.1 200 OK"}, st[eventPath])
	assert.Equal(t, []string{"HTTP/1.1 404 Not Found"}, st["/caldav/u1/cal/f1/missing.ics"])
	assert.Equal(t, []string{"HTTP/1.1 404 Not Found"}, st["/caldav/u1/cal/f3/ev1.ics"])
	assert.Contains(t, rec.Body.String(), "UID:ev1")
}

func TestHandler_CalendarQuery(t *testing.T) {
	tests := []struct {
		name  string
		start string
		end   string
		found bool
	}{
		{name: "overlapping", start: "20231231T000000Z", end: "20240102T000000Z", found: true},
		{name: "later", start: "20240201T000000Z", end: "20240301T000000Z", found: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			s.put(t, eventPath, event("ev1"))

			body := `<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><D:getetag/></D:prop>
  <C:filter><C:comp-filter name="VCALENDAR"><C:comp-filter name="VEVENT">
    <C:time-range start="` + tt.start + `" end="` + tt.end + `"/>
  </C:comp-filter></C:comp-filter></C:filter>
</C:calendar-query>`
			st := statuses(t, s.do(t, "REPORT", "/caldav/u1/cal/f1/", body))
			_, ok := st[eventPath]
			assert.Equal(t, tt.found, ok)
		})
	}
}

func TestHandler_ReportOnObject(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, "REPORT", eventPath, `<D:sync-collection xmlns:D="DAV:"/>`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
