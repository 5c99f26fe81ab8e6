// Package maintenance builds a repair plan for a confirmed diagnosis, grounded in
// passages retrieved from the vehicle documentation.
package maintenance

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jake-jlawson/dashtech/internal/diagnostics"
	"github.com/jake-jlawson/dashtech/internal/pkg/logger"
	"github.com/jake-jlawson/dashtech/pkg/jsonutil"
	"github.com/jake-jlawson/dashtech/pkg/llm"
	"github.com/jake-jlawson/dashtech/pkg/rag/retriever"
	"github.com/jake-jlawson/dashtech/pkg/utils"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const systemPrompt = `You are the maintenance agent for a truck. Give the user a detailed plan to fix their vehicle.
You receive:
- the user's original problem description, including any error codes
- the diagnosis reached by the diagnostics agent
- the tests that led to that diagnosis
- relevant excerpts from the vehicle documentation

Reply with ONLY a JSON object of this exact shape:
{
  "tools": ["tool needed for the repair"],
  "parts": ["part needed for the repair"],
  "steps": ["step 1", "step 2"],
  "difficulty": number from 1 to 10
}
- tools, parts, steps: may be empty when none are needed.
- difficulty: 1 is a quick fix anyone could do, 10 is hard even for a professional mechanic.`

const (
	historyWindow  = 3
	excerptRunes   = 1200
	excerptOverlap = 0
)

// Namespaces searched for repair documentation.
var Namespaces = []string{"maintenance", "shared"}

var tracer = otel.Tracer("dashtech/maintenance")

// Searcher is the retrieval dependency of the planner.
type Searcher interface {
	Search(ctx context.Context, query string, k int, filter retriever.Filter) ([]retriever.Result, error)
}

// Plan items are usually strings but are kept as the model sent them, so a step
// given as an object survives into the payload.
type Plan struct {
	Tools      []any   `json:"tools"`
	Parts      []any   `json:"parts"`
	Steps      []any   `json:"steps"`
	Difficulty float64 `json:"difficulty"`
}

// planFromObject reads a plan out of a parsed reply without failing on shape drift.
func planFromObject(obj map[string]any) Plan {
	return Plan{
		Tools:      listField(obj["tools"]),
		Parts:      listField(obj["parts"]),
		Steps:      listField(obj["steps"]),
		Difficulty: numberField(obj["difficulty"]),
	}
}

func listField(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []any{t}
	default:
		return []any{t}
	}
}

func numberField(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err == nil {
			return f
		}
	}
	return 0
}

// Payload renders the plan for a maintenance.plan envelope.
func (p Plan) Payload(diagnosis diagnostics.Hypothesis, sources []retriever.Result) map[string]any {
	refs := make([]map[string]any, 0, len(sources))
	for _, s := range sources {
		ref := map[string]any{"type": s.Type, "score": s.Score, "doc_title": s.Meta.DocTitle, "section_title": s.Meta.SectionTitle}
		if s.ImagePath != "" {
			ref["image_path"] = s.ImagePath
		}
		refs = append(refs, ref)
	}
	return map[string]any{
		"diagnosis":  diagnosis.Label,
		"tools":      nonNil(p.Tools),
		"parts":      nonNil(p.Parts),
		"steps":      nonNil(p.Steps),
		"difficulty": p.Difficulty,
		"sources":    refs,
	}
}

type Planner struct {
	provider llm.LLMProvider
	searcher Searcher
	logger   logger.ILogger
	k        int
	opts     []llm.Option
}

// NewPlanner builds a planner. opts are applied to every model call.
func NewPlanner(provider llm.LLMProvider, searcher Searcher, logger logger.ILogger, k int, opts ...llm.Option) *Planner {
	if k <= 0 {
		k = 10
	}
	return &Planner{provider: provider, searcher: searcher, logger: logger, k: k, opts: opts}
}

// Run retrieves documentation for the diagnosis and asks the model for a plan.
// problem is the opening test(s) describing the fault; history is the full test log.
// Retrieval failures are logged and the plan is produced without documentation.
func (p *Planner) Run(ctx context.Context, problem []diagnostics.Test, diagnosis diagnostics.Hypothesis, history []diagnostics.Test) (Plan, []retriever.Result, error) {
	ctx, span := tracer.Start(ctx, "maintenance.Run")
	defer span.End()

	system := MatchSystem(diagnosis.Label)
	span.SetAttributes(attribute.String("maintenance.system", system))

	docs := p.retrieve(ctx, problem, diagnosis, history, system)

	userPrompt := fmt.Sprintf(
		"Problem Description: %s\nDiagnosis: %s\nDiagnosis History: %s\nRelevant Documentation: %s\n",
		jsonutil.Compact(problem), jsonutil.Compact(diagnosis), jsonutil.Compact(history), jsonutil.Compact(excerpts(docs)),
	)
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: userPrompt},
	}

	completion, err := llm.Collect(ctx, p.provider, messages, nil, append([]llm.Option{llm.WithThink(true)}, p.opts...)...)
	if err != nil {
		span.RecordError(err)
		return Plan{}, nil, fmt.Errorf("maintenance model call: %w", err)
	}
	if completion.Thinking != "" {
		p.logger.Debug("MaintenancePlanner", "Model reasoning", map[string]interface{}{"thinking": completion.Thinking})
	}

	obj, err := jsonutil.ParseObject(completion.Content)
	if err != nil {
		span.RecordError(err)
		return Plan{}, nil, fmt.Errorf("maintenance reply: %w", err)
	}
	plan := planFromObject(obj)

	p.logger.Info("MaintenancePlanner", "Plan ready", map[string]interface{}{
		"diagnosis":  diagnosis.Label,
		"system":     system,
		"steps":      len(plan.Steps),
		"difficulty": plan.Difficulty,
		"sources":    len(docs),
	})
	return plan, docs, nil
}

// Query builds the retrieval query text.
func Query(problem []diagnostics.Test, diagnosis diagnostics.Hypothesis, history []diagnostics.Test) string {
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	if problem == nil {
		problem = []diagnostics.Test{}
	}
	if history == nil {
		history = []diagnostics.Test{}
	}
	return utils.CleanText(fmt.Sprintf(
		"Maintenance/repair procedures, tools, parts, torque specs, cautions for:\nProblem context: %s\nDiagnosis Made: %s\nRecent Test History: %s\n",
		jsonutil.Compact(problem), diagnosis.Label, jsonutil.Compact(history),
	))
}

func (p *Planner) retrieve(ctx context.Context, problem []diagnostics.Test, diagnosis diagnostics.Hypothesis, history []diagnostics.Test, system string) []retriever.Result {
	if p.searcher == nil {
		return nil
	}
	filter := retriever.Filter{Namespaces: Namespaces}
	if system != "" {
		filter.Systems = []string{system}
	}
	docs, err := p.searcher.Search(ctx, Query(problem, diagnosis, history), p.k, filter)
	if err != nil {
		p.logger.Warn("MaintenancePlanner", "Documentation lookup failed", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return docs
}

type excerpt struct {
	Type    string   `json:"type"`
	Text    string   `json:"text"`
	Doc     string   `json:"doc_title,omitempty"`
	Section string   `json:"section_title,omitempty"`
	Page    *int     `json:"page,omitempty"`
	Images  []string `json:"linked_images,omitempty"`
}

// excerpts keeps the prompt bounded by sending only the first window of each passage.
func excerpts(docs []retriever.Result) []excerpt {
	out := make([]excerpt, 0, len(docs))
	for _, d := range docs {
		text := ""
		if parts := utils.SplitText(d.Text, excerptRunes, excerptOverlap); len(parts) > 0 {
			text = parts[0]
		}
		out = append(out, excerpt{
			Type:    d.Type,
			Text:    text,
			Doc:     d.Meta.DocTitle,
			Section: d.Meta.SectionTitle,
			Page:    d.Meta.Page,
			Images:  d.LinkedImages,
		})
	}
	return out
}

func nonNil(s []any) []any {
	if s == nil {
		return []any{}
	}
	return s
}
