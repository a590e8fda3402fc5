package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// jsonDuration decodes a JSON string such as "90s" or "2m" into a
// time.Duration. Bare numbers are rejected so a config written as
// "time_window": 60 fails loudly instead of meaning 60ns.
type jsonDuration time.Duration

func (d *jsonDuration) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"60s\", got %s", data)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = jsonDuration(parsed)
	return nil
}

func (c *LoopDetectionConfig) UnmarshalJSON(data []byte) error {
	type plain LoopDetectionConfig
	aux := struct {
		*plain
		TimeWindow  *jsonDuration `json:"time_window"`
		RapidWindow *jsonDuration `json:"rapid_window"`
		PatternTTL  *jsonDuration `json:"pattern_ttl"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	setDuration(&c.TimeWindow, aux.TimeWindow)
	setDuration(&c.RapidWindow, aux.RapidWindow)
	setDuration(&c.PatternTTL, aux.PatternTTL)
	return nil
}

func (c *PatternSyncConfig) UnmarshalJSON(data []byte) error {
	type plain PatternSyncConfig
	aux := struct {
		*plain
		Interval *jsonDuration `json:"interval"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	setDuration(&c.Interval, aux.Interval)
	return nil
}

func (c *MemoryConfig) UnmarshalJSON(data []byte) error {
	type plain MemoryConfig
	aux := struct {
		*plain
		CacheTTL *jsonDuration `json:"cache_ttl"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	setDuration(&c.CacheTTL, aux.CacheTTL)
	return nil
}

func (c *HTTPConfig) UnmarshalJSON(data []byte) error {
	type plain HTTPConfig
	aux := struct {
		*plain
		ReadTimeout     *jsonDuration `json:"read_timeout"`
		ShutdownTimeout *jsonDuration `json:"shutdown_timeout"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	setDuration(&c.ReadTimeout, aux.ReadTimeout)
	setDuration(&c.ShutdownTimeout, aux.ShutdownTimeout)
	return nil
}

// setDuration leaves dst untouched when the key was absent from the file.
func setDuration(dst *time.Duration, src *jsonDuration) {
	if src != nil {
		*dst = time.Duration(*src)
	}
}
