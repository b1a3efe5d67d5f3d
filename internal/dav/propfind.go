package dav

import (
	"encoding/xml"
	"net/http"
	"path"

	"github.com/maneesh/drivebridge/internal/models"
	"github.com/maneesh/drivebridge/internal/pathresolve"
)

// tagNamespace is the out-of-band property namespace carrying tag
// attach/detach through PROPPATCH.
const tagNamespace = "urn:drivebridge:props"

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"response"`
}

type response struct {
	Href     string   `xml:"href"`
	Propstat propstat `xml:"propstat"`
}

type propstat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

type prop struct {
	DisplayName     string        `xml:"displayname"`
	ResourceType    resourceType  `xml:"resourcetype"`
	ContentLength   *int64        `xml:"getcontentlength,omitempty"`
	LastModified    string        `xml:"getlastmodified,omitempty"`
	ContentType     string        `xml:"getcontenttype,omitempty"`
	QuotaUsed       *int64        `xml:"quota-used-bytes,omitempty"`
	QuotaAvailable  *int64        `xml:"quota-available-bytes,omitempty"`
}

type resourceType struct {
	Collection *struct{} `xml:"collection,omitempty"`
}

func entryResponse(href string, entry *models.Entry) response {
	p := prop{DisplayName: entry.Name}
	if entry.Kind == models.EntryFolder {
		p.ResourceType.Collection = &struct{}{}
	} else {
		size := entry.SizeBytes
		p.ContentLength = &size
		p.ContentType = entry.MimeType
	}
	if !entry.ModifiedAt.IsZero() {
		p.LastModified = entry.ModifiedAt.UTC().Format(http.TimeFormat)
	}
	return response{
		Href:     href,
		Propstat: propstat{Prop: p, Status: "HTTP/1.1 200 OK"},
	}
}

// handlePropfind serves LIST: depth 0 describes the location itself,
// depth 1 adds its children. The namespace root additionally reports
// quota properties.
func (h *Handler) handlePropfind(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	loc, err := pathresolve.Classify(davPath(r))
	if err != nil {
		writeError(w, err)
		return
	}

	self, err := h.coord.Stat(r.Context(), p.OwnerID, loc)
	if err != nil {
		writeError(w, err)
		return
	}

	selfHref := r.URL.Path
	selfResp := entryResponse(selfHref, self)
	if loc.Kind == pathresolve.KindNormal && pathresolve.IsRoot(loc.Path) {
		if acct, qerr := h.coord.Quota(r.Context(), p.OwnerID); qerr == nil {
			used, avail := acct.UsedBytes, acct.AvailableBytes()
			selfResp.Propstat.Prop.QuotaUsed = &used
			selfResp.Propstat.Prop.QuotaAvailable = &avail
		}
	}
	ms := multistatus{Responses: []response{selfResp}}

	if depthOf(r) != "0" && self.Kind == models.EntryFolder {
		children, err := h.coord.List(r.Context(), p.OwnerID, loc)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, child := range children {
			ms.Responses = append(ms.Responses, entryResponse(path.Join(selfHref, child.Name), child))
		}
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	w.Write([]byte(xml.Header))
	xml.NewEncoder(w).Encode(ms)
}

func depthOf(r *http.Request) string {
	depth := r.Header.Get("Depth")
	if depth == "" {
		return "1"
	}
	return depth
}

type propertyUpdate struct {
	XMLName xml.Name     `xml:"DAV: propertyupdate"`
	Set     []propAction `xml:"set"`
	Remove  []propAction `xml:"remove"`
}

type propAction struct {
	Prop tagProp `xml:"prop"`
}

type tagProp struct {
	Tags []string `xml:"urn:drivebridge:props tag"`
}

// handleProppatch serves SET-PROPERTY. The only mutable property is
// the tag list; everything else is refused.
func (h *Handler) handleProppatch(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	target := davPath(r)

	var update propertyUpdate
	if err := xml.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "malformed property update", http.StatusBadRequest)
		return
	}

	for _, action := range update.Set {
		for _, tag := range action.Prop.Tags {
			if err := h.coord.SetTag(r.Context(), p.OwnerID, target, tag); err != nil {
				writeError(w, err)
				return
			}
		}
	}
	for _, action := range update.Remove {
		for _, tag := range action.Prop.Tags {
			if err := h.coord.RemoveTag(r.Context(), p.OwnerID, target, tag); err != nil {
				writeError(w, err)
				return
			}
		}
	}

	ms := multistatus{Responses: []response{{
		Href:     r.URL.Path,
		Propstat: propstat{Status: "HTTP/1.1 200 OK"},
	}}}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	w.Write([]byte(xml.Header))
	xml.NewEncoder(w).Encode(ms)
}
