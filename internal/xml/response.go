package xml

import (
	"net/http"
	"strconv"

	"github.com/beevik/etree"
)

// Multistatus is a 207 response body.
type Multistatus struct {
	Responses []Response
	// SyncToken is set for sync-collection reports.
	SyncToken string
}

// Response is a single response within a multistatus. Status is used for
// responses without properties, e.g. removed members in a sync report.
type Response struct {
	Href      string
	Status    int
	PropStats []PropStat
}

// PropStat groups properties sharing a status.
type PropStat struct {
	Props  []Property
	Status int
}

// StatusLine renders an HTTP status line for code.
func StatusLine(code int) string {
	return "HTTP/1.1 " + strconv.Itoa(code) + " " + http.StatusText(code)
}

// Document converts the multistatus to an XML document.
func (m *Multistatus) Document() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	root := etree.NewElement("D:multistatus")
	AddNamespaces(root)
	doc.SetRoot(root)

	for _, resp := range m.Responses {
		response := root.CreateElement("D:response")
		response.CreateElement("D:href").SetText(resp.Href)
		if len(resp.PropStats) == 0 {
			status := resp.Status
			if status == 0 {
				status = http.StatusOK
			}
			response.CreateElement("D:status").SetText(StatusLine(status))
			continue
		}
		for _, ps := range resp.PropStats {
			propstat := response.CreateElement("D:propstat")
			prop := propstat.CreateElement("D:prop")
			for _, p := range ps.Props {
				prop.AddChild(p.ToElement())
			}
			propstat.CreateElement("D:status").SetText(StatusLine(ps.Status))
		}
	}
	if m.SyncToken != "" {
		root.CreateElement("D:sync-token").SetText(m.SyncToken)
	}
	return doc
}
