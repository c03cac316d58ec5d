// Package enrich turns the weather and user context of a request into the
// English text the generation backend works from.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/SSR3-FinalPj/AI-auto/pkg/llm"
	"github.com/SSR3-FinalPj/AI-auto/pkg/llm/prompts"
	"github.com/SSR3-FinalPj/AI-auto/pkg/model"
	"github.com/SSR3-FinalPj/AI-auto/pkg/tracker"
)

const (
	intent       = "enrichment"
	maxBlockSize = 25
	blockSep     = " / "
)

var (
	blockRe = regexp.MustCompile(`(?s)<WB>(.*?)</WB>`)
	// Keep word characters plus the symbols that attach to figures.
	junkRe = regexp.MustCompile(`[^\p{L}\p{N}_°%\-/]+`)
)

// Enricher produces enrichment text with a deterministic fallback.
type Enricher struct {
	llm     llm.Provider
	prompts *prompts.Manager
	tracker *tracker.Tracker
}

// New creates an Enricher. A nil provider always uses the fallback; a nil
// manager loads the built-in templates.
func New(p llm.Provider, pm *prompts.Manager, t *tracker.Tracker) (*Enricher, error) {
	if p == nil {
		p = llm.Disabled{}
	}
	if pm == nil {
		var err error
		if pm, err = prompts.NewManager(""); err != nil {
			return nil, fmt.Errorf("load built-in prompts: %w", err)
		}
	}
	return &Enricher{llm: p, prompts: pm, tracker: t}, nil
}

type engagement struct {
	Likes, Comments, RedditScore, RedditComments int64
}

type promptData struct {
	Weather    *model.Weather
	User       string
	UserIsNote bool
	YouTube    string
	Reddit     string
	Engagement *engagement
	Input      map[string]any
}

// Enrich returns the text for p and whether the fallback was used.
// It never fails: provider and template errors degrade to the fallback.
func (e *Enricher) Enrich(ctx context.Context, p *model.Payload) (string, bool) {
	data := buildData(p)

	text, err := e.generate(ctx, data)
	if err == nil {
		return text, false
	}

	if ctx.Err() == nil {
		slog.Warn("Enrichment failed, using fallback", "job_id", p.JobID, "error", err)
	}
	if e.tracker != nil {
		e.tracker.TrackFallback(intent)
	}
	return e.Fallback(p), true
}

func (e *Enricher) generate(ctx context.Context, data promptData) (string, error) {
	system, err := e.prompts.Render("enrichment/system.tmpl", data)
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	user, err := e.prompts.Render("enrichment/user.tmpl", data)
	if err != nil {
		return "", fmt.Errorf("render user prompt: %w", err)
	}

	raw, err := e.llm.GenerateText(ctx, intent, system, user)
	if err != nil {
		return "", err
	}
	text := NormalizeBlocks(raw)
	if text == "" {
		return "", fmt.Errorf("empty or unparsable response")
	}
	return text, nil
}

// Fallback builds the template text from raw payload fields.
func (e *Enricher) Fallback(p *model.Payload) string {
	data := buildData(p)
	if e.prompts != nil {
		out, err := e.prompts.Render("fallback.tmpl", data)
		if err == nil {
			return collapse(out)
		}
		slog.Error("Fallback template failed", "error", err)
	}

	// Last resort if the template set is broken
	var parts []string
	if w := p.Weather; w != nil {
		parts = append(parts, fmt.Sprintf("[weather]: %s, current temperature %s°C, humidity %s%%", w.AreaName, w.Temperature, w.Humidity))
	}
	if data.User != "" {
		parts = append(parts, "[user]: "+data.User)
	}
	return collapse(strings.Join(parts, " "))
}

// NormalizeBlocks extracts <WB> word-blocks, strips punctuation, caps each
// block at 25 words and joins them. Text without blocks is only collapsed.
func NormalizeBlocks(raw string) string {
	matches := blockRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return collapse(strings.ReplaceAll(strings.ReplaceAll(raw, "<WB>", " "), "</WB>", " "))
	}

	var blocks []string
	for _, m := range matches {
		words := strings.Fields(junkRe.ReplaceAllString(m[1], " "))
		if len(words) == 0 {
			continue
		}
		if len(words) > maxBlockSize {
			words = words[:maxBlockSize]
		}
		blocks = append(blocks, strings.Join(words, " "))
	}
	return strings.Join(blocks, blockSep)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func buildData(p *model.Payload) promptData {
	d := promptData{
		Weather: p.Weather,
		YouTube: compactJSON(p.YouTube),
		Reddit:  compactJSON(p.Reddit),
	}

	// A JSON string in "user" is a free-text note; anything else is context
	var note string
	if len(p.User) > 0 && json.Unmarshal(p.User, &note) == nil {
		d.User = strings.TrimSpace(note)
		d.UserIsNote = d.User != ""
	} else {
		d.User = compactJSON(p.User)
	}

	d.Engagement = engagementHint(p)
	d.Input = map[string]any{
		"weather": p.Weather,
		"user":    rawOrNil(p.User),
		"youtube": rawOrNil(p.YouTube),
		"reddit":  rawOrNil(p.Reddit),
	}
	return d
}

// engagementHint sums the counters producers put under additionalProp1.
func engagementHint(p *model.Payload) *engagement {
	yt := countersOf(p.YouTube)
	rd := countersOf(p.Reddit)
	e := &engagement{
		Likes:          yt["like"],
		Comments:       yt["comment"],
		RedditScore:    rd["score"],
		RedditComments: rd["numcomment"],
	}
	if e.Likes+e.Comments+e.RedditScore+e.RedditComments == 0 {
		return nil
	}
	return e
}

func countersOf(raw json.RawMessage) map[string]int64 {
	var wrapper struct {
		Prop map[string]json.RawMessage `json:"additionalProp1"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &wrapper) != nil {
		return nil
	}
	out := make(map[string]int64, len(wrapper.Prop))
	for k, v := range wrapper.Prop {
		s := strings.Trim(strings.TrimSpace(string(v)), `"`)
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			out[k] = n
		}
	}
	return out
}

func rawOrNil(r json.RawMessage) any {
	t := bytes.TrimSpace(r)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return nil
	}
	return r
}

func compactJSON(r json.RawMessage) string {
	if rawOrNil(r) == nil {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, r); err != nil {
		return collapse(string(r))
	}
	return buf.String()
}
