// Package truncation fits an ordered chain of task records into a size
// budget. Records near the ends of the chain (where the work started and
// where it currently is) are preserved; the middle absorbs the cuts.
//
// Apply only plans. Project applies a plan to copies of the records and
// never touches the originals.
package truncation

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/HendryAvila/tasklens/internal/skeleton"
)

// Size accounting constants, in size units.
const (
	RecordOverhead  = 200
	MessageOverhead = 50
	ActionOverhead  = 100
)

// Method names a per-element truncation strategy.
type Method string

// MethodTruncateMiddle keeps the first and last lines and elides the rest.
const MethodTruncateMiddle Method = "truncate-middle"

// ElementKind classifies sequence elements for truncation priority.
type ElementKind string

const (
	KindAction    ElementKind = "action"
	KindAssistant ElementKind = "assistant"
	KindUser      ElementKind = "user"
)

// priority orders kinds: the higher, the earlier an element is cut.
func (k ElementKind) priority() int {
	switch k {
	case KindAction:
		return 3
	case KindAssistant:
		return 2
	default:
		return 1
	}
}

// ElementPlan is a cut assigned to one sequence element.
type ElementPlan struct {
	SequenceIndex int         `json:"sequence_index"`
	Kind          ElementKind `json:"kind"`
	Method        Method      `json:"method"`
	Params        Params      `json:"params"`
}

// Params are the truncate-middle parameters of an element plan.
type Params struct {
	StartLines int `json:"start_lines"`
	EndLines   int `json:"end_lines"`
	// Budget is the number of size units this element should give up.
	Budget int `json:"budget"`
}

// Plan is the truncation plan for one record of the chain.
type Plan struct {
	TaskID             string  `json:"task_id"`
	Position           int     `json:"position"`
	DistanceFromCenter float64 `json:"distance_from_center"`
	PreservationWeight float64 `json:"preservation_weight"`
	OriginalSize       int     `json:"original_size"`
	TruncationBudget   int     `json:"truncation_budget"`
	// TargetSize is the record size once ElementPlans are projected.
	TargetSize   int           `json:"target_size"`
	ElementPlans []ElementPlan `json:"element_plans,omitempty"`
	// Unallocated is the part of the budget no element could absorb.
	Unallocated int `json:"unallocated,omitempty"`
}

// Metrics summarise a pass.
type Metrics struct {
	TotalTasks       int         `json:"total_tasks"`
	TruncatedTasks   int         `json:"truncated_tasks"`
	OriginalSize     int         `json:"original_size"`
	FinalSize        int         `json:"final_size"`
	CompressionRatio float64     `json:"compression_ratio"`
	BudgetByPosition map[int]int `json:"budget_by_position"`
}

// Result is the output of Apply.
type Result struct {
	Plans       []Plan   `json:"plans"`
	Metrics     Metrics  `json:"metrics"`
	Diagnostics []string `json:"diagnostics,omitempty"`
	// Fallback is set when the pass failed and no truncation was planned.
	Fallback bool `json:"fallback,omitempty"`
}

// ─── Sizes ───────────────────────────────────────────────────────────────────

// ElementSize is the rendered size of one sequence element.
func ElementSize(e skeleton.Element) int {
	switch {
	case e.Action != nil:
		return ActionOverhead + len(e.Action.Params.Serialize())
	case e.Message != nil:
		return MessageOverhead + len(e.Message.Content)
	}
	return 0
}

// RecordSize is the rendered size of a record.
func RecordSize(r skeleton.TaskRecord) int {
	size := RecordOverhead
	for _, e := range r.Sequence {
		size += ElementSize(e)
	}
	return size
}

// ─── Gradient ────────────────────────────────────────────────────────────────

// Distance returns how far position p sits from the center of a chain of n
// records, normalized to [0,1]. A chain of one record has distance 0.
func Distance(p, n int) float64 {
	if n <= 1 {
		return 0
	}
	center := float64(n-1) / 2
	d := math.Abs(float64(p)-center) / center
	return clamp01(d)
}

// PreservationWeight maps a distance from the center to a weight in [0,1].
// The curve is exp(-strength*d^2) mirrored around the chain ends, so the
// ends (distance 1) weigh 1 and the center weighs exp(-strength).
func PreservationWeight(distance, strength float64) float64 {
	gap := 1 - clamp01(distance)
	return clamp01(math.Exp(-strength * gap * gap))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ─── Engine ──────────────────────────────────────────────────────────────────

// Engine plans truncations. It holds no state between passes.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates an Engine. A nil logger discards output.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{logger: logger}
}

// Apply plans how records, in chain order, fit into cfg.MaxOutputLength.
// It never fails: an internal error yields a zero-truncation result with
// Fallback set and the cause in Diagnostics.
func (e *Engine) Apply(records []skeleton.TaskRecord, cfg Config) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("truncation failed, falling back to no truncation", "panic", r, "tasks", len(records))
			res = fallback(records, fmt.Sprintf("internal error: %v", r))
		}
	}()
	return e.apply(records, cfg)
}

func (e *Engine) apply(records []skeleton.TaskRecord, cfg Config) Result {
	cfg, notes := cfg.sanitized()
	res := Result{Plans: basePlans(records), Diagnostics: notes}
	n := len(records)

	total := 0
	for i := range res.Plans {
		total += res.Plans[i].OriginalSize
	}

	if total <= cfg.MaxOutputLength {
		res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("%s units fit the %s budget; nothing truncated",
			humanize.Comma(int64(total)), humanize.Comma(int64(cfg.MaxOutputLength))))
		res.Metrics = computeMetrics(res.Plans)
		return res
	}

	excess := total - cfg.MaxOutputLength
	res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("%s units over a %s budget across %d tasks",
		humanize.Comma(int64(excess)), humanize.Comma(int64(cfg.MaxOutputLength)), n))

	weights := make([]float64, n)
	sum := 0.0
	for i := range res.Plans {
		p := &res.Plans[i]
		p.DistanceFromCenter = Distance(i, n)
		p.PreservationWeight = PreservationWeight(p.DistanceFromCenter, cfg.GradientStrength)
		weights[i] = 1 - p.PreservationWeight
		sum += weights[i]
	}
	if sum <= 0 {
		// Every record sits at an end of the chain (or the gradient is flat).
		for i := range res.Plans {
			weights[i] = float64(res.Plans[i].OriginalSize)
		}
		sum = float64(total)
		res.Diagnostics = append(res.Diagnostics, "flat gradient; budget split by size")
	}

	limit := cfg.budgetCap()
	capped := 0
	for i := range res.Plans {
		p := &res.Plans[i]
		raw := float64(excess) * weights[i] / sum
		budget := int(math.Floor(raw))
		if ceiling := int(math.Floor(float64(p.OriginalSize) * limit)); budget > ceiling {
			budget = ceiling
			capped++
		}
		if budget < 0 {
			budget = 0
		}
		p.TruncationBudget = budget
		p.TargetSize = p.OriginalSize - budget
		if budget > 0 {
			p.ElementPlans, p.Unallocated = planElements(records[i], budget, cfg)
			p.TargetSize = RecordSize(projectRecord(records[i], *p))
		}
	}
	if capped > 0 {
		res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("%d tasks hit the per-task truncation ceiling (%.0f%%)", capped, limit*100))
	}

	res.Metrics = computeMetrics(res.Plans)
	if res.Metrics.FinalSize > cfg.MaxOutputLength {
		res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("output still %s units over budget after clamping",
			humanize.Comma(int64(res.Metrics.FinalSize-cfg.MaxOutputLength))))
	}
	e.logger.Debug("truncation planned",
		"tasks", n, "original", res.Metrics.OriginalSize, "final", res.Metrics.FinalSize,
		"ratio", res.Metrics.CompressionRatio)
	return res
}

func basePlans(records []skeleton.TaskRecord) []Plan {
	plans := make([]Plan, len(records))
	for i, r := range records {
		size := RecordSize(r)
		plans[i] = Plan{
			TaskID:             r.ID,
			Position:           i,
			PreservationWeight: 1,
			OriginalSize:       size,
			TargetSize:         size,
		}
	}
	return plans
}

func fallback(records []skeleton.TaskRecord, reason string) Result {
	var plans []Plan
	func() {
		defer func() { _ = recover() }()
		plans = basePlans(records)
	}()
	if plans == nil {
		// Sizing itself failed; report ids and positions only.
		plans = make([]Plan, len(records))
		for i, r := range records {
			plans[i] = Plan{TaskID: r.ID, Position: i, PreservationWeight: 1}
		}
	}
	return Result{
		Plans:       plans,
		Metrics:     computeMetrics(plans),
		Diagnostics: []string{reason, "fallback: no truncation applied"},
		Fallback:    true,
	}
}

func computeMetrics(plans []Plan) Metrics {
	m := Metrics{TotalTasks: len(plans), BudgetByPosition: make(map[int]int, len(plans))}
	for _, p := range plans {
		m.OriginalSize += p.OriginalSize
		m.FinalSize += p.TargetSize
		m.BudgetByPosition[p.Position] = p.TruncationBudget
		if p.TargetSize < p.OriginalSize {
			m.TruncatedTasks++
		}
	}
	if m.OriginalSize > 0 {
		m.CompressionRatio = float64(m.OriginalSize-m.FinalSize) / float64(m.OriginalSize)
	}
	return m
}

// ─── Element planning ────────────────────────────────────────────────────────

type candidate struct {
	index int
	kind  ElementKind
	size  int
}

func classify(e skeleton.Element) ElementKind {
	switch {
	case e.Action != nil:
		return KindAction
	case e.Message != nil && e.Message.Role == skeleton.RoleAssistant:
		return KindAssistant
	}
	return KindUser
}

// planElements spreads budget over the record's elements, actions first,
// then assistant messages, then user messages. Within a kind the larger
// elements go first. It returns the plans and the budget left unassigned.
func planElements(r skeleton.TaskRecord, budget int, cfg Config) ([]ElementPlan, int) {
	cands := make([]candidate, 0, len(r.Sequence))
	for i, e := range r.Sequence {
		c := candidate{index: i, kind: classify(e), size: len(e.Text())}
		if e.Action != nil {
			// Projection only shortens the largest known parameter.
			c.size = 0
			if kind, ok := e.Action.Params.LargestKnown(); ok {
				c.size = len(e.Action.Params.Known[kind])
			}
		}
		cands = append(cands, c)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		pi, pj := cands[i].kind.priority(), cands[j].kind.priority()
		if pi != pj {
			return pi > pj
		}
		return cands[i].size > cands[j].size
	})

	remaining := budget
	var plans []ElementPlan
	for _, c := range cands {
		if remaining <= 0 {
			break
		}
		cut := int(float64(c.size) * cfg.ElementShare)
		if cut > remaining {
			cut = remaining
		}
		if cut < cfg.MinGain || cut <= 0 {
			continue
		}
		plans = append(plans, ElementPlan{
			SequenceIndex: c.index,
			Kind:          c.kind,
			Method:        MethodTruncateMiddle,
			Params:        Params{StartLines: cfg.StartLines, EndLines: cfg.EndLines, Budget: cut},
		})
		remaining -= cut
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].SequenceIndex < plans[j].SequenceIndex })
	return plans, remaining
}
