package statetools

import (
	"fmt"
	"io"
	"strings"

	humanize "github.com/dustin/go-humanize"

	"github.com/HendryAvila/tasklens/internal/hierarchy"
	"github.com/HendryAvila/tasklens/internal/skeleton"
	"github.com/HendryAvila/tasklens/internal/state"
	"github.com/HendryAvila/tasklens/internal/truncation"
)

// maxTitleLength caps titles in tree lines.
const maxTitleLength = 80

// RenderTree writes an ASCII rendering of the tree rooted at n.
//
//	a1b2c3d4 Build the feature [code] ✓
//	├── 9f8e7d6c Write tests (fuzzy 0.67)
//	└── 0a1b2c3d Update docs ◀ current
func RenderTree(w io.Writer, n *hierarchy.TreeNode) {
	if n == nil {
		return
	}
	fmt.Fprintln(w, treeLine(n))
	renderChildren(w, n, "")
}

func renderChildren(w io.Writer, n *hierarchy.TreeNode, indent string) {
	for i, c := range n.Children {
		branch, next := "├── ", "│   "
		if i == len(n.Children)-1 {
			branch, next = "└── ", "    "
		}
		fmt.Fprintf(w, "%s%s%s\n", indent, branch, treeLine(c))
		renderChildren(w, c, indent+next)
	}
	if n.DepthLimited {
		fmt.Fprintf(w, "%s└── … %d more (depth limit)\n", indent, n.ChildrenCount)
	}
}

func treeLine(n *hierarchy.TreeNode) string {
	var b strings.Builder
	b.WriteString(skeleton.ShortID(n.TaskID))
	b.WriteByte(' ')
	title := strings.Join(strings.Fields(n.Title), " ")
	if title == "" {
		title = "(untitled)"
	}
	b.WriteString(skeleton.Truncate(title, maxTitleLength))
	if n.Mode != "" {
		fmt.Fprintf(&b, " [%s]", n.Mode)
	}
	if n.DetectionMethod == hierarchy.MethodFuzzyIndex {
		fmt.Fprintf(&b, " (fuzzy %.2f)", n.Confidence)
	}
	if n.IsCompleted {
		b.WriteString(" ✓")
	}
	if n.IsCurrentTask {
		b.WriteString(" ◀ current")
	}
	return b.String()
}

// RenderView writes the records of a truncated view: one section per
// task with its sequence, followed by a truncation summary.
func RenderView(w io.Writer, v *state.View) {
	for i, r := range v.Records {
		marker := ""
		if r.ID == v.TargetID {
			marker = " ◀ target"
		}
		fmt.Fprintf(w, "## %d. %s %s%s\n", i+1, skeleton.ShortID(r.ID), r.InstructionText(), marker)
		fmt.Fprintf(w, "_%d messages, %d actions, last active %s_\n\n",
			r.MessageCount, r.ActionCount, humanize.Time(r.LastActivityAt))
		for _, e := range r.Sequence {
			renderElement(w, e)
		}
		fmt.Fprintln(w)
	}

	m := v.Truncation.Metrics
	if v.Truncation.Fallback {
		fmt.Fprintln(w, "---\nTruncation unavailable; showing full content.")
	} else if m.TruncatedTasks > 0 {
		fmt.Fprintf(w, "---\nTruncated %d of %d tasks: %s → %s (%.0f%% removed)\n",
			m.TruncatedTasks, m.TotalTasks,
			humanize.Bytes(uint64(m.OriginalSize)), humanize.Bytes(uint64(m.FinalSize)),
			m.CompressionRatio*100)
	}
	for _, d := range v.Truncation.Diagnostics {
		fmt.Fprintf(w, "note: %s\n", d)
	}
}

func renderElement(w io.Writer, e skeleton.Element) {
	switch {
	case e.Message != nil:
		fmt.Fprintf(w, "**%s**: %s\n\n", e.Message.Role, e.Message.Content)
	case e.Action != nil:
		status := ""
		if e.Action.Status != "" {
			status = " → " + e.Action.Status
		}
		fmt.Fprintf(w, "`%s %s` %s%s\n\n", e.Action.Kind, e.Action.Name, e.Action.Params.Serialize(), status)
	}
}

// budgetLine summarizes a plan for the stats renderer.
func budgetLine(p truncation.Plan) string {
	return fmt.Sprintf("%s pos %d: %s → %s", skeleton.ShortID(p.TaskID), p.Position,
		humanize.Bytes(uint64(p.OriginalSize)), humanize.Bytes(uint64(p.TargetSize)))
}
