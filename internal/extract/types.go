// Package extract turns one post into per-layer partial results.
//
// Each strategy (remote model, local model, rules) implements Layer and
// returns a LayerResult or a *LayerError tagged with a cause code. Results
// are plain values: no layer keeps input text between calls.
package extract

import (
	"context"
	"strings"
	"time"
)

// LayerTag identifies an extraction strategy.
type LayerTag string

const (
	LayerPrimary   LayerTag = "primary_model"
	LayerSecondary LayerTag = "secondary_model"
	LayerHeuristic LayerTag = "heuristic"
	LayerGeo       LayerTag = "geo_validation"
)

// LayerOrder is the fixed priority order, highest first.
var LayerOrder = []LayerTag{LayerPrimary, LayerSecondary, LayerHeuristic, LayerGeo}

// Priority returns the tag's rank in LayerOrder (0 is highest). Unknown tags
// rank last.
func (t LayerTag) Priority() int {
	for i, tag := range LayerOrder {
		if tag == t {
			return i
		}
	}
	return len(LayerOrder)
}

// causePrefix is the short form used in cause codes ("primary_timeout").
func (t LayerTag) causePrefix() string {
	switch t {
	case LayerPrimary:
		return "primary"
	case LayerSecondary:
		return "secondary"
	case LayerGeo:
		return "geo"
	default:
		return string(t)
	}
}

// EventType is the closed set of event classifications.
type EventType string

const (
	EventInauguration       EventType = "inauguration"
	EventMeeting            EventType = "meeting"
	EventRally              EventType = "rally"
	EventInspection         EventType = "inspection"
	EventSchemeAnnouncement EventType = "scheme_announcement"
	EventCondolence         EventType = "condolence"
	EventCeremony           EventType = "ceremony"
	EventBirthdayWishes     EventType = "birthday_wishes"
	EventOther              EventType = "other"
)

// EventTypes lists every valid event type.
var EventTypes = []EventType{
	EventInauguration,
	EventMeeting,
	EventRally,
	EventInspection,
	EventSchemeAnnouncement,
	EventCondolence,
	EventCeremony,
	EventBirthdayWishes,
	EventOther,
}

// ParseEventType maps free-form model output onto the enumeration.
// "Scheme Announcement" and "scheme-announcement" both parse. Unknown values
// report false.
func ParseEventType(s string) (EventType, bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.NewReplacer(" ", "_", "-", "_").Replace(v)
	for _, et := range EventTypes {
		if string(et) == v {
			return et, true
		}
	}
	return EventOther, false
}

// LayerResult is one strategy's output for one input. EventType is empty
// when the layer does not vote on it (geo-validation).
type LayerResult struct {
	Layer         LayerTag  `json:"layer"`
	EventType     EventType `json:"event_type,omitempty"`
	Confidence    float64   `json:"confidence"`
	Locations     []string  `json:"locations"`
	People        []string  `json:"people"`
	Organizations []string  `json:"organizations"`
	Schemes       []string  `json:"schemes"`

	// Error notes a degradation when the layer still returned data.
	Error       string `json:"error,omitempty"`
	GeoVerified bool   `json:"geo_verified,omitempty"`
	GeoBackend  string `json:"geo_backend,omitempty"`
}

// Found reports whether the layer extracted anything beyond "other".
func (r LayerResult) Found() bool {
	return (r.EventType != "" && r.EventType != EventOther) ||
		len(r.Locations) > 0 || len(r.People) > 0 ||
		len(r.Organizations) > 0 || len(r.Schemes) > 0
}

// Input is one post to parse.
type Input struct {
	ID            string
	Text          string
	ReferenceDate time.Time
}

// Layer is an extraction strategy. Extract returns *LayerError on failure.
type Layer interface {
	Tag() LayerTag
	Extract(ctx context.Context, in Input) (LayerResult, error)
}
