package model

import (
	"fmt"
	"time"
)

// Record is a single virtual machine as exported by the Wiz report: the
// decoded cloud native JSON enriched with the report columns.
type Record map[string]any

// Keys added to the cloud native JSON from the report columns.
const (
	KeyLastSeen       = "lastSeen"
	KeySubscriptionID = "subscriptionID"
	KeyProjects       = "projects"
	KeyRegion         = "region"
)

// ID returns the provider identifier of the machine. Azure and GCP export
// id, AWS exports InstanceId.
func (r Record) ID() string {
	for _, key := range []string{"id", "InstanceId", "instanceId", "providerUniqueId"} {
		if s := r.str(key); s != "" {
			return s
		}
	}
	return ""
}

func (r Record) Name() string {
	if s := r.str("name"); s != "" {
		return s
	}
	return r.ID()
}

func (r Record) Region() string         { return r.str(KeyRegion) }
func (r Record) SubscriptionID() string { return r.str(KeySubscriptionID) }
func (r Record) LastSeen() string       { return r.str(KeyLastSeen) }
func (r Record) Projects() string       { return r.str(KeyProjects) }

func (r Record) str(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Event is one record wrapped with the metadata of the ingestion pipeline.
type Event struct {
	Time       time.Time `json:"time"`
	Host       string    `json:"host"`
	Source     string    `json:"source"` // wiz_report_id://<id>
	SourceType string    `json:"sourcetype,omitempty"`
	Index      string    `json:"index,omitempty"`
	Input      string    `json:"input"`
	ReportID   string    `json:"-"`
	Data       Record    `json:"event"`
}

// ReportSource is the event source of records coming from reportID.
func ReportSource(reportID string) string {
	return "wiz_report_id://" + reportID
}
