// Package bom builds a CycloneDX inventory of the collected virtual
// machines.
package bom

import (
	"cmp"
	"io"
	"maps"
	"runtime/debug"
	"slices"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/google/uuid"

	"github.com/CZERTAINLY/wizvms/internal/model"
)

var version string

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		version = "unknown"
	} else {
		version = info.Main.Version
	}
}

// Property names of a virtual machine component.
const (
	PropInput          = "wizvms:input"
	PropReportID       = "wizvms:report_id"
	PropRegion         = "wizvms:region"
	PropSubscriptionID = "wizvms:subscription_id"
	PropProjects       = "wizvms:projects"
	PropLastSeen       = "wizvms:last_seen"
)

// Builder is a builder pattern for a CycloneDX BOM structure. Virtual
// machines are deduplicated by their id, the last record wins.
type Builder struct {
	serial     string
	authors    []cdx.OrganizationalContact
	components map[string]cdx.Component
	properties []cdx.Property
}

func NewBuilder() *Builder {
	return &Builder{
		serial:     "urn:uuid:" + uuid.New().String(),
		components: make(map[string]cdx.Component),
		// MUST be initialized as cyclone-dx JSON schema do not allow items to be null
		properties: []cdx.Property{},
	}
}

func (b *Builder) AppendAuthors(authors ...cdx.OrganizationalContact) *Builder {
	b.authors = append(b.authors, authors...)
	return b
}

func (b *Builder) AppendProperties(properties ...cdx.Property) *Builder {
	b.properties = append(b.properties, properties...)
	return b
}

// AppendEvents adds a component per event. Events whose record has no id
// are ignored.
func (b *Builder) AppendEvents(events ...model.Event) *Builder {
	for _, ev := range events {
		c, ok := component(ev)
		if !ok {
			continue
		}
		b.components[c.BOMRef] = c
	}
	return b
}

// Len returns the number of distinct virtual machines.
func (b *Builder) Len() int {
	return len(b.components)
}

func component(ev model.Event) (cdx.Component, bool) {
	id := ev.Data.ID()
	if id == "" {
		return cdx.Component{}, false
	}
	props := []cdx.Property{
		{Name: PropInput, Value: ev.Input},
		{Name: PropReportID, Value: ev.ReportID},
	}
	for _, p := range []struct{ name, value string }{
		{PropRegion, ev.Data.Region()},
		{PropSubscriptionID, ev.Data.SubscriptionID()},
		{PropProjects, ev.Data.Projects()},
		{PropLastSeen, ev.Data.LastSeen()},
	} {
		if p.value != "" {
			props = append(props, cdx.Property{Name: p.name, Value: p.value})
		}
	}
	return cdx.Component{
		BOMRef:     id,
		Type:       cdx.ComponentTypeDevice,
		Name:       ev.Data.Name(),
		Properties: &props,
	}, true
}

// BOM returns a cdx.BOM based on a data inside the Builder. The serial
// number is fixed per Builder.
func (b *Builder) BOM() cdx.BOM {
	components := slices.SortedFunc(maps.Values(b.components), func(x, y cdx.Component) int {
		return cmp.Compare(x.BOMRef, y.BOMRef)
	})
	if components == nil {
		components = []cdx.Component{}
	}
	dependencies := []cdx.Dependency{}

	bom := cdx.BOM{
		JSONSchema:   "https://cyclonedx.org/schema/bom-1.6.schema.json",
		BOMFormat:    "CycloneDX",
		SpecVersion:  cdx.SpecVersion1_6,
		SerialNumber: b.serial,
		Version:      1,
		Metadata: &cdx.Metadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Lifecycles: &[]cdx.Lifecycle{
				{
					Phase: "operations",
				},
			},
			Authors: &b.authors,
			// This can't be not nil otherwise this error will happen
			// json: error calling MarshalJSON for type *cyclonedx.ToolsChoice: unexpected end of JSON input
			Component: &cdx.Component{
				Type:    cdx.ComponentTypeApplication,
				Name:    "wizvms",
				Version: version,
				Manufacturer: &cdx.OrganizationalEntity{
					Name:    "CZERTAINLY",
					Address: &cdx.PostalAddress{},
					URL: &[]string{
						"https://www.czertainly.com",
					},
				},
			},
		},
		Components:   &components,
		Dependencies: &dependencies,
		Properties:   &b.properties,
	}
	return bom
}

// AsJSON encode the BOM into JSON format
func (b *Builder) AsJSON(w io.Writer) error {
	bom := b.BOM()
	return cdx.NewBOMEncoder(w, cdx.BOMFileFormatJSON).SetPretty(true).Encode(&bom)
}
