package caldav

import (
	"encoding/xml"
	"strings"
)

const propfindPrincipal = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop><D:current-user-principal/></D:prop>
</D:propfind>`

const propfindHomeSet = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop><C:calendar-home-set/></D:prop>
</D:propfind>`

const propfindCalendars = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:" xmlns:A="http://apple.com/ns/ical/">
  <D:prop>
    <D:resourcetype/>
    <D:displayname/>
    <A:calendar-color/>
  </D:prop>
</D:propfind>`

const propfindETag = `<?xml version="1.0" encoding="utf-8" ?>
<D:propfind xmlns:D="DAV:">
  <D:prop><D:getetag/></D:prop>
</D:propfind>`

// calendarQuery selects every object of one component type, e.g. VJOURNAL.
const calendarQuery = `<?xml version="1.0" encoding="utf-8" ?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="%s"/>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"DAV: response"`
}

type response struct {
	Href     string     `xml:"DAV: href"`
	Propstat []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	ResourceType         *resourceType `xml:"DAV: resourcetype"`
	DisplayName          string        `xml:"DAV: displayname"`
	ETag                 string        `xml:"DAV: getetag"`
	CurrentUserPrincipal *hrefProp     `xml:"DAV: current-user-principal"`
	CalendarHomeSet      *hrefProp     `xml:"urn:ietf:params:xml:ns:caldav calendar-home-set"`
	CalendarData         string        `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
	CalendarColor        string        `xml:"http://apple.com/ns/ical/ calendar-color"`
}

type resourceType struct {
	Collection *struct{} `xml:"DAV: collection"`
	Calendar   *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar"`
}

type hrefProp struct {
	Href string `xml:"DAV: href"`
}

// found merges the properties of every successful propstat of r.
func (r response) found() prop {
	var out prop
	for _, ps := range r.Propstat {
		if ps.Status != "" && !strings.Contains(ps.Status, " 200") {
			continue
		}
		p := ps.Prop
		if p.ResourceType != nil {
			out.ResourceType = p.ResourceType
		}
		if p.DisplayName != "" {
			out.DisplayName = p.DisplayName
		}
		if p.ETag != "" {
			out.ETag = p.ETag
		}
		if p.CurrentUserPrincipal != nil {
			out.CurrentUserPrincipal = p.CurrentUserPrincipal
		}
		if p.CalendarHomeSet != nil {
			out.CalendarHomeSet = p.CalendarHomeSet
		}
		if p.CalendarData != "" {
			out.CalendarData = p.CalendarData
		}
		if p.CalendarColor != "" {
			out.CalendarColor = p.CalendarColor
		}
	}
	return out
}

func (p prop) isCalendar() bool {
	return p.ResourceType != nil && p.ResourceType.Calendar != nil
}
