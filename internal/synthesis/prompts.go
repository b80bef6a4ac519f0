package synthesis

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are a patient mathematics tutor. Solve the student's problem step by step.
Number each step, show the working, and finish with a line starting "Final answer:".
When a verified computation result is given, your final answer must agree with it.
Use reference solutions and web excerpts only when they are relevant, and never invent sources.`

const simplifiedSystemPrompt = `You are a mathematics tutor. Answer the problem in a few short numbered steps and end with "Final answer:".`

const maxContextSolutions = 3

func buildPrompt(in Input) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Problem: %s\n", in.Question.Normalized)
	if in.Question.Topic != "" && in.Question.Topic != "general" {
		fmt.Fprintf(&b, "Topic: %s\n", in.Question.Topic)
	}

	if c := in.Computation; c != nil && c.Success {
		fmt.Fprintf(&b, "\nVerified computation (%s): %s\n", c.Tool, c.Payload)
	}

	if in.Seed != nil {
		fmt.Fprintf(&b, "\nReference solution for a near-identical problem (%q):\n%s\n",
			in.Seed.Entry.Problem, in.Seed.Entry.Solution)
	}

	shown := 0
	for _, c := range in.Candidates {
		if shown == maxContextSolutions {
			break
		}
		if in.Seed != nil && c.Entry.ID == in.Seed.Entry.ID {
			continue
		}
		if shown == 0 {
			b.WriteString("\nSimilar solved problems:\n")
		}
		shown++
		fmt.Fprintf(&b, "%d. %s (similarity %.2f)\n   Solution: %s\n", shown, c.Entry.Problem, c.Similarity, c.Entry.Solution)
	}

	if len(in.WebResults) > 0 {
		b.WriteString("\nWeb excerpts:\n")
		for i, r := range in.WebResults {
			fmt.Fprintf(&b, "[%d] %s (%s): %s\n", i+1, r.Title, r.URL, r.Snippet)
		}
	}

	b.WriteString("\nExplain each step clearly so a student can follow the reasoning.")
	return b.String()
}

// buildSimplifiedPrompt drops retrieved context and keeps only the problem
// and any computed result.
func buildSimplifiedPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Problem: %s\n", in.Question.Normalized)
	if c := in.Computation; c != nil && c.Success {
		fmt.Fprintf(&b, "Computed result: %s\n", c.Payload)
	}
	return b.String()
}

// Fallback formats an answer without the generator from whatever material
// the request gathered. ok is false when there is nothing to format.
func Fallback(in Input) (string, bool) {
	var working []string
	answer := ""

	if c := in.Computation; c != nil && c.Success {
		working = append(working, fmt.Sprintf("Applying the %s tool to the problem gives: %s", strings.ReplaceAll(c.Tool, "_", " "), c.Payload))
		answer = c.Payload
	}

	ref := in.Seed
	if ref == nil && len(in.Candidates) > 0 {
		ref = &in.Candidates[0]
	}
	if ref != nil {
		working = append(working, fmt.Sprintf("A closely related solved problem (%s) was worked as follows:\n%s", ref.Entry.Problem, ref.Entry.Solution))
		if answer == "" {
			answer = ref.Entry.Solution
		}
	}

	if len(in.WebResults) > 0 {
		r := in.WebResults[0]
		working = append(working, fmt.Sprintf("According to %s (%s): %s", r.Title, r.URL, r.Snippet))
		if answer == "" {
			answer = r.Snippet
		}
	}

	if len(working) == 0 {
		return "", false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Solution\n\nStep 1: Restate the problem\n%s\n\nStep 2: Work it out\n", in.Question.Normalized)
	for _, w := range working {
		b.WriteString(w)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nStep 3: Check and conclude\nThe result above answers the problem as stated.\nFinal answer: %s", answer)
	return b.String(), true
}
