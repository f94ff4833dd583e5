package types

import (
	"encoding/json"
	"regexp"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for the per-heartbeat validation path
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

const (
	maxURLLength     = 2048
	maxTitleLength   = 512
	maxFaviconLength = 4096
	maxOpenTabs      = 100
	maxEventTypeLen  = 64
	maxMetadataBytes = 16 * 1024
)

// IsValidID checks device, school, student and user ids
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}

// Validate rejects malformed heartbeat reports before any I/O happens
func (r *HeartbeatReport) Validate() error {
	if len(r.ActiveTabURL) > maxURLLength {
		return ErrInvalidURL
	}
	if len(r.ActiveTabTitle) > maxTitleLength {
		return ErrInvalidTitle
	}
	if len(r.Favicon) > maxFaviconLength {
		return ErrInvalidFavicon
	}
	if len(r.AllOpenTabs) > maxOpenTabs {
		return ErrTooManyTabs
	}
	for _, tab := range r.AllOpenTabs {
		if len(tab.URL) > maxURLLength {
			return ErrInvalidURL
		}
		if len(tab.Title) > maxTitleLength {
			return ErrInvalidTitle
		}
	}
	return nil
}

// Validate checks a device event before it is persisted
func (e *DeviceEvent) Validate() error {
	if len(e.EventType) < 1 || len(e.EventType) > maxEventTypeLen {
		return ErrInvalidEventType
	}
	// TECHNICAL DISCOVERY: Size check requires marshaling, same as the stored form
	data, err := json.Marshal(e.Metadata)
	if err != nil {
		return ErrMetadataTooLarge
	}
	if len(data) > maxMetadataBytes {
		return ErrMetadataTooLarge
	}
	return nil
}

// Validate checks a screenshot upload
func (s *ScreenshotEntry) Validate() error {
	if s.Image == "" {
		return ErrEmptyScreenshot
	}
	if len(s.TabURL) > maxURLLength {
		return ErrInvalidURL
	}
	if len(s.TabTitle) > maxTitleLength {
		return ErrInvalidTitle
	}
	return nil
}

// Validate checks a policy's scope
func (p *Policy) Validate() error {
	if !IsValidID(p.ID) || !IsValidID(p.SchoolID) {
		return ErrInvalidID
	}
	if p.Scope != PolicyScopeSchool && p.Scope != PolicyScopeTeacher {
		return ErrInvalidPolicyScope
	}
	return nil
}
