package graph

import (
	"fmt"
	"sort"
	"strings"
)

// TaskSummary renders the execution DAG for a prompt, bounded to maxChars.
func (sn Snapshot) TaskSummary(maxChars int) string {
	var sb strings.Builder
	for _, n := range sn.Tasks {
		if n.Kind == KindAction {
			continue
		}
		line := fmt.Sprintf("- [%s] (%s) %s", n.ID, n.Status, n.Description)
		if len(n.Dependencies) > 0 {
			line += fmt.Sprintf(" deps=%s", strings.Join(n.Dependencies, ","))
		}
		if n.FailureLevel != "" {
			line += fmt.Sprintf(" failure=%s:%s", n.FailureLevel, n.FailureRationale)
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return truncate(sb.String(), maxChars)
}

// CausalSummary renders the belief graph grouped by variant, active nodes
// only, bounded to maxChars.
func (sn Snapshot) CausalSummary(maxChars int) string {
	groups := map[CausalVariant][]CausalNode{}
	for _, n := range sn.Causal {
		if n.Deprecated {
			continue
		}
		groups[n.Variant] = append(groups[n.Variant], n)
	}
	order := []CausalVariant{
		VariantFlag, VariantConfirmedVulnerability, VariantVulnerability,
		VariantHypothesis, VariantKeyFact, VariantEvidence,
	}
	var sb strings.Builder
	for _, v := range order {
		nodes := groups[v]
		if len(nodes) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "%s (%d):\n", v, len(nodes))
		for _, n := range nodes {
			fmt.Fprintf(&sb, "  - [%s] %s (confidence %.2f)\n", n.ID, n.Description, n.Confidence)
		}
	}
	if sb.Len() == 0 {
		return "(belief graph empty)"
	}
	edges := make([]string, 0, len(sn.CausalEdges))
	for _, e := range sn.CausalEdges {
		edges = append(edges, fmt.Sprintf("  %s -%s-> %s (%.2f)", e.Source, e.Relation, e.Target, e.Confidence))
	}
	if len(edges) > 0 {
		sb.WriteString("edges:\n")
		sb.WriteString(strings.Join(edges, "\n"))
		sb.WriteByte('\n')
	}
	return truncate(sb.String(), maxChars)
}

// RelevantCausalContext renders the belief-graph slice tied to a task: nodes
// produced by actions of the task, its ancestors, and its descendants, plus
// nodes one edge hop away. Used by the Executor prompt.
func (sn Snapshot) RelevantCausalContext(taskID string, maxChars int) string {
	scope := map[string]struct{}{taskID: {}}
	// Transitive dependency closure both directions over the snapshot.
	deps := map[string][]string{}
	dependents := map[string][]string{}
	for _, n := range sn.Tasks {
		deps[n.ID] = n.Dependencies
		for _, d := range n.Dependencies {
			dependents[d] = append(dependents[d], n.ID)
		}
	}
	var expand func(id string, next map[string][]string)
	expand = func(id string, next map[string][]string) {
		for _, nid := range next[id] {
			if _, ok := scope[nid]; ok {
				continue
			}
			scope[nid] = struct{}{}
			expand(nid, next)
		}
	}
	expand(taskID, deps)
	expand(taskID, dependents)
	// Actions of every task in scope.
	for _, n := range sn.Tasks {
		if n.Kind == KindAction {
			if _, ok := scope[n.Parent]; ok {
				scope[n.ID] = struct{}{}
			}
		}
	}

	relevant := map[string]struct{}{}
	for _, n := range sn.Causal {
		if n.Deprecated {
			continue
		}
		if _, ok := scope[n.SourceActionID]; ok {
			relevant[n.ID] = struct{}{}
		}
	}
	for _, e := range sn.CausalEdges {
		if _, ok := relevant[e.Source]; ok {
			relevant[e.Target] = struct{}{}
		}
		if _, ok := relevant[e.Target]; ok {
			relevant[e.Source] = struct{}{}
		}
	}

	var lines []string
	for _, n := range sn.Causal {
		if _, ok := relevant[n.ID]; !ok || n.Deprecated {
			continue
		}
		lines = append(lines, fmt.Sprintf("- [%s/%s] %s (confidence %.2f)", n.Variant, n.ID, n.Description, n.Confidence))
	}
	if len(lines) == 0 {
		return "(no prior findings for this task)"
	}
	sort.Strings(lines)
	return truncate(strings.Join(lines, "\n"), maxChars)
}

// RecentFailures lists the latest n failed or deprecated tasks with their
// rationale, newest last.
func (sn Snapshot) RecentFailures(n int) []string {
	var out []string
	for _, t := range sn.Tasks {
		if t.Kind != KindTask {
			continue
		}
		if t.Status == StatusFailed || t.Status == StatusDeprecated {
			out = append(out, fmt.Sprintf("[%s] %s: %s %s", t.ID, t.Status, t.FailureLevel, t.FailureRationale))
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	return s[:maxChars] + "\n... (summary truncated)"
}
