package report

import "strings"

// buildPrompt assembles the manuscript prompt from extracted document text and
// tabular previews. Both sources are truncated to fixed character budgets so
// one oversized upload cannot blow the model's context window.
func buildPrompt(docSections, dataSections []string) string {
	var b strings.Builder

	b.WriteString("You are an expert academic writer. Write a complete research manuscript")
	b.WriteString(" based on the materials below.\n\n")

	b.WriteString("Structure the manuscript with these sections, each introduced by a markdown heading:\n")
	b.WriteString("# Abstract\n")
	b.WriteString("# Introduction\n")
	b.WriteString("# Methods\n")
	b.WriteString("# Results\n")
	b.WriteString("# Discussion\n")
	b.WriteString("# Conclusion\n\n")
	b.WriteString("Ground every claim in the supplied materials. Where the data supports it, ")
	b.WriteString("report concrete figures. Use **bold** for key findings.\n")

	if docs := truncate(strings.Join(docSections, "\n\n"), documentCharBudget); docs != "" {
		b.WriteString("\n# Research documents\n\n")
		b.WriteString(docs)
		b.WriteString("\n")
	}
	if data := truncate(strings.Join(dataSections, "\n\n"), dataCharBudget); data != "" {
		b.WriteString("\n# Data previews\n\n")
		b.WriteString(data)
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[truncated]"
}
