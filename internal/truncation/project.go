package truncation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/HendryAvila/tasklens/internal/skeleton"
)

// Project applies plans to copies of records. Plans are matched to records
// by position and task id; unmatched records are copied unchanged. The
// input records are never modified.
func Project(records []skeleton.TaskRecord, plans []Plan) []skeleton.TaskRecord {
	out := make([]skeleton.TaskRecord, len(records))
	for i, r := range records {
		if i >= len(plans) || plans[i].TaskID != r.ID {
			out[i] = r.Clone()
			continue
		}
		out[i] = projectRecord(r, plans[i])
	}
	return out
}

// projectRecord returns a copy of r with the element plans of p applied.
func projectRecord(r skeleton.TaskRecord, p Plan) skeleton.TaskRecord {
	out := r.Clone()
	if p.TruncationBudget == 0 {
		return out
	}
	for _, ep := range p.ElementPlans {
		if ep.SequenceIndex < 0 || ep.SequenceIndex >= len(out.Sequence) {
			continue
		}
		applyElementPlan(&out.Sequence[ep.SequenceIndex], ep)
	}
	return out
}

func applyElementPlan(e *skeleton.Element, ep ElementPlan) {
	if ep.Method != MethodTruncateMiddle {
		return
	}
	p := ep.Params
	switch {
	case e.Message != nil:
		e.Message.Content = TruncateMiddle(e.Message.Content, p.Budget, p.StartLines, p.EndLines)
	case e.Action != nil:
		// Only known string parameters can be shortened.
		kind, ok := e.Action.Params.LargestKnown()
		if !ok {
			return
		}
		v := e.Action.Params.Known[kind]
		e.Action.Params.Known[kind] = TruncateMiddle(v, p.Budget, p.StartLines, p.EndLines)
	}
}

// TruncateMiddle shortens text by about budget bytes. Text with more than
// startLines+endLines lines keeps at least its first startLines and last
// endLines lines around a marker counting the removed lines, taking in
// further lines from both ends while the result stays within the target.
// Anything still over the target, or text with too few lines, is cut in
// the middle byte-wise on rune boundaries.
func TruncateMiddle(text string, budget, startLines, endLines int) string {
	if budget <= 0 || text == "" {
		return text
	}
	target := len(text) - budget
	if target < 0 {
		target = 0
	}

	out := text
	if startLines >= 0 && endLines >= 0 && startLines+endLines > 0 {
		lines := strings.Split(text, "\n")
		if len(lines) > startLines+endLines {
			out = elideLines(lines, startLines, endLines, target)
		}
	}
	if len(out) > target {
		out = truncateBytes(out, target)
	}
	if len(out) >= len(text) {
		return text
	}
	return out
}

func lineMarker(removed int) string {
	return fmt.Sprintf("[... %s lines truncated ...]", humanize.Comma(int64(removed)))
}

// elideLines keeps head and tail lines around a marker, growing both ends
// alternately while the joined result fits target. At least one line is
// always removed.
func elideLines(lines []string, head, tail, target int) string {
	n := len(lines)
	headBytes, tailBytes := 0, 0
	for _, l := range lines[:head] {
		headBytes += len(l)
	}
	for _, l := range lines[n-tail:] {
		tailBytes += len(l)
	}
	// h+t kept lines and the marker are joined by h+t newlines.
	size := func(h, t, hb, tb int) int { return hb + tb + h + t + len(lineMarker(n-h-t)) }

	fromHead := true
	for head+tail+1 < n {
		h, t, hb, tb := head, tail, headBytes, tailBytes
		if fromHead {
			hb += len(lines[head])
			h++
		} else {
			tb += len(lines[n-tail-1])
			t++
		}
		if size(h, t, hb, tb) > target {
			break
		}
		head, tail, headBytes, tailBytes = h, t, hb, tb
		fromHead = !fromHead
	}

	kept := make([]string, 0, head+tail+1)
	kept = append(kept, lines[:head]...)
	kept = append(kept, lineMarker(n-head-tail))
	kept = append(kept, lines[n-tail:]...)
	return strings.Join(kept, "\n")
}

// truncateBytes keeps the head and tail of s so the result, marker
// included, is close to target bytes.
func truncateBytes(s string, target int) string {
	if len(s) <= target {
		return s
	}
	cut := len(s) - target
	marker := fmt.Sprintf("\n[... %s chars truncated ...]\n", humanize.Comma(int64(cut)))
	keep := target - len(marker)
	if keep < 0 {
		keep = 0
	}
	head := keep / 2
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}
	tailStart := len(s) - (keep - head)
	for tailStart < len(s) && !utf8.RuneStart(s[tailStart]) {
		tailStart++
	}
	return s[:head] + marker + s[tailStart:]
}
