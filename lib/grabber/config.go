package grabber

import (
	"errors"
	"strings"
)

// Config describes one acquisition run. IDs come from the catalog
// endpoints; dates are "2006-01-02"; TimeTypes are "am"/"pm".
type Config struct {
	UnitID     string `json:"unit_id"`
	UnitName   string `json:"unit_name,omitempty"`
	DepID      string `json:"dep_id"`
	DepName    string `json:"dep_name,omitempty"`
	CityPinyin string `json:"city_pinyin,omitempty"`

	// DoctorIDs narrows the run to specific doctors; empty accepts any.
	DoctorIDs []string `json:"doctor_ids,omitempty"`

	MemberID   string `json:"member_id"`
	MemberName string `json:"member_name,omitempty"`

	TargetDates    []string `json:"target_dates"`
	TimeTypes      []string `json:"time_types,omitempty"`
	PreferredHours []string `json:"preferred_hours,omitempty"`

	AddressID string `json:"addressId,omitempty"`
	Address   string `json:"address,omitempty"`

	// StartTime ("15:04:05") arms the run: nothing fires before it.
	StartTime     string `json:"start_time,omitempty"`
	UseServerTime bool   `json:"use_server_time,omitempty"`

	// RetryInterval is in seconds; zero means 0.5.
	RetryInterval float64 `json:"retry_interval,omitempty"`
	// MaxRetries caps full passes over the dates; zero means unbounded.
	MaxRetries int `json:"max_retries,omitempty"`

	UseProxySubmit bool `json:"use_proxy_submit,omitempty"`
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.UnitID) == "" {
		return errors.New("unit_id is required")
	}
	if strings.TrimSpace(c.DepID) == "" {
		return errors.New("dep_id is required")
	}
	if strings.TrimSpace(c.MemberID) == "" {
		return errors.New("member_id is required")
	}
	if len(c.trimmedDates()) == 0 {
		return errors.New("target_dates is required")
	}
	return nil
}

func (c *Config) trimmedDates() []string {
	out := make([]string, 0, len(c.TargetDates))
	for _, date := range c.TargetDates {
		if date = strings.TrimSpace(date); date != "" {
			out = append(out, date)
		}
	}
	return out
}

// precise means the user constrained doctors, half-days or hours; it
// only changes which diagnostics get logged.
func (c *Config) precise() bool {
	return len(c.DoctorIDs) > 0 || len(c.PreferredHours) > 0 || len(c.TimeTypes) > 0
}

func (c *Config) retrySeconds() float64 {
	if c.RetryInterval <= 0 {
		return 0.5
	}
	return c.RetryInterval
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		set[value] = struct{}{}
	}
	return set
}

func fallback(primary, secondary string) string {
	if strings.TrimSpace(primary) != "" {
		return primary
	}
	return secondary
}
