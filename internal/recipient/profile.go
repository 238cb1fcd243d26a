package recipient

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalder/reach/internal/channel"
)

// CustomerType classifies the relationship with the recipient.
type CustomerType string

const (
	CustomerNew       CustomerType = "new"
	CustomerReturning CustomerType = "returning"
	CustomerExisting  CustomerType = "existing"
)

// Device is the recipient's preferred device class.
type Device string

const (
	DeviceMobile  Device = "mobile"
	DeviceDesktop Device = "desktop"
)

// EngagementStats summarizes a recipient's past engagement on one channel.
type EngagementStats struct {
	OpenRate     float64 `json:"open_rate"`
	ClickRate    float64 `json:"click_rate"`
	ReplyRate    float64 `json:"reply_rate"`
	MessagesSent int     `json:"messages_sent"`

	// BestHour is the local hour (0-23) with the recipient's historically
	// highest engagement on this channel; -1 when unknown.
	BestHour int `json:"best_hour"`
}

// UnmarshalJSON defaults BestHour to -1 so an omitted best_hour reads
// as unknown rather than midnight.
func (e *EngagementStats) UnmarshalJSON(data []byte) error {
	type alias EngagementStats
	aux := alias{BestHour: -1}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = EngagementStats(aux)
	return nil
}

// Profile is the per-send recipient context. It is supplied by the
// caller on every request and never persisted by the engine.
type Profile struct {
	ID               string                              `json:"id"`
	Contact          channel.ContactInfo                 `json:"contact"`
	CustomerType     CustomerType                        `json:"customer_type"`
	PreferredChannel channel.Channel                     `json:"preferred_channel,omitempty"`
	Device           Device                              `json:"device_preference,omitempty"`
	Timezone         string                              `json:"timezone,omitempty"`
	Engagement       map[channel.Channel]EngagementStats `json:"engagement,omitempty"`
}

// Validate checks the fields the pipeline depends on.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("recipient id is required")
	}
	switch p.CustomerType {
	case CustomerNew, CustomerReturning, CustomerExisting:
	case "":
		return fmt.Errorf("recipient %s: customer_type is required", p.ID)
	default:
		return fmt.Errorf("recipient %s: unknown customer_type %q", p.ID, p.CustomerType)
	}
	if p.PreferredChannel != "" && !p.PreferredChannel.Valid() {
		return fmt.Errorf("recipient %s: unknown preferred_channel %q", p.ID, p.PreferredChannel)
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("recipient %s: invalid timezone %q", p.ID, p.Timezone)
		}
	}
	return nil
}

// Location resolves the recipient's timezone, defaulting to UTC.
func (p *Profile) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
