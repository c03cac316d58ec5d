package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrValidation marks intake payloads rejected before a request id is allocated.
var ErrValidation = errors.New("invalid payload")

// Supported platforms.
const (
	PlatformYouTube = "youtube"
	PlatformReddit  = "reddit"
)

// FlexString accepts either a JSON string or a JSON number and keeps the text form.
// Upstream producers are inconsistent about quoting weather figures.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(data))
	}
	*f = FlexString(n.String())
	return nil
}

// Weather is the weather and crowd context attached to a request.
type Weather struct {
	AreaName        FlexString `json:"areaName"`
	Temperature     FlexString `json:"temperature"`
	Humidity        FlexString `json:"humidity"`
	UVIndex         FlexString `json:"uvIndex"`
	CongestionLevel FlexString `json:"congestionLevel"`
	MaleRate        FlexString `json:"maleRate"`
	FemaleRate      FlexString `json:"femaleRate"`
	TeenRate        FlexString `json:"teenRate"`
	TwentyRate      FlexString `json:"twentyRate"`
	ThirtyRate      FlexString `json:"thirtyRate"`
	FortyRate       FlexString `json:"fortyRate"`
	FiftyRate       FlexString `json:"fiftyRate"`
	SixtyRate       FlexString `json:"sixtyRate"`
	SeventyRate     FlexString `json:"seventyRate"`

	// Older producers misspell the forties bucket.
	FourtyRate FlexString `json:"fourtyRate,omitempty"`
}

// Forties returns the forties ratio under either spelling.
func (w *Weather) Forties() FlexString {
	if w.FortyRate != "" {
		return w.FortyRate
	}
	return w.FourtyRate
}

// Payload is the intake request body.
type Payload struct {
	Img      string          `json:"img"`
	JobID    int64           `json:"jobId"`
	Platform string          `json:"platform"`
	IsClient bool            `json:"isclient"`
	Priority *int            `json:"priority,omitempty"`
	DedupKey string          `json:"dedupKey,omitempty"`
	Weather  *Weather        `json:"weather"`
	User     json.RawMessage `json:"user,omitempty"`
	YouTube  json.RawMessage `json:"youtube,omitempty"`
	Reddit   json.RawMessage `json:"reddit,omitempty"`
}

// Validate checks the fields enrichment and dispatch depend on.
func (p *Payload) Validate() error {
	var problems []string
	if strings.TrimSpace(p.Img) == "" {
		problems = append(problems, "img is required")
	}
	switch p.Platform {
	case PlatformYouTube, PlatformReddit:
	case "":
		problems = append(problems, "platform is required")
	default:
		problems = append(problems, fmt.Sprintf("unsupported platform %q", p.Platform))
	}
	if p.Weather == nil {
		problems = append(problems, "weather is required")
	} else if strings.TrimSpace(string(p.Weather.AreaName)) == "" {
		problems = append(problems, "weather.areaName is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// ResultType maps the platform to the kind of artifact the backend produces.
func (p *Payload) ResultType() string {
	switch p.Platform {
	case PlatformYouTube:
		return "video"
	case PlatformReddit:
		return "image"
	default:
		return p.Platform
	}
}

// Significant returns the subset of the payload that identifies a logical request.
// Delivery hints (isclient, priority, dedupKey) are excluded.
func (p *Payload) Significant() map[string]any {
	return map[string]any{
		"img":      p.Img,
		"jobId":    p.JobID,
		"platform": p.Platform,
		"weather":  p.Weather,
		"user":     rawOrNil(p.User),
		"youtube":  rawOrNil(p.YouTube),
		"reddit":   rawOrNil(p.Reddit),
	}
}

func rawOrNil(r json.RawMessage) any {
	if len(bytes.TrimSpace(r)) == 0 || bytes.Equal(bytes.TrimSpace(r), []byte("null")) {
		return nil
	}
	return r
}
