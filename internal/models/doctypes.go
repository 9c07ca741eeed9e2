package models

import (
	"fmt"
	"strings"
)

// KindSpec describes a supported document kind.
type KindSpec struct {
	Kind string
	// Slug is the path segment used in app links, e.g. /app/event/{name}.
	Slug string
	// Business hours applied when a date carries no time of day.
	DayStartHour, DayStartMinute int
	DayEndHour, DayEndMinute     int
}

var kinds = map[string]KindSpec{
	"Event": {
		Kind: "Event", Slug: "event",
		DayStartHour: 9, DayEndHour: 10,
	},
	"Project": {
		Kind: "Project", Slug: "project",
		DayStartHour: 9, DayEndHour: 17, DayEndMinute: 30,
	},
}

// LookupKind returns the definition of kind. Matching ignores case.
func LookupKind(kind string) (KindSpec, bool) {
	for name, ks := range kinds {
		if strings.EqualFold(name, kind) {
			return ks, true
		}
	}
	return KindSpec{}, false
}

// KindNames lists the supported kinds.
func KindNames() []string {
	return []string{"Event", "Project"}
}

// FallbackSubject is used when a document has no subject of its own.
func (k KindSpec) FallbackSubject(name string) string {
	return fmt.Sprintf("%s Meeting: %s", k.Kind, name)
}

// KindAllowList restricts the supported kinds to those enabled by configuration.
type KindAllowList map[string]KindSpec

// NewKindAllowList builds an allow-list. Unknown names are reported as an error.
func NewKindAllowList(enabled []string) (KindAllowList, error) {
	allow := make(KindAllowList, len(enabled))
	for _, name := range enabled {
		ks, ok := LookupKind(name)
		if !ok {
			return nil, fmt.Errorf("unsupported document type %q", name)
		}
		allow[ks.Kind] = ks
	}
	return allow, nil
}

// Get resolves kind against the allow-list.
func (a KindAllowList) Get(kind string) (KindSpec, bool) {
	ks, ok := LookupKind(kind)
	if !ok {
		return KindSpec{}, false
	}
	ks, ok = a[ks.Kind]
	return ks, ok
}
