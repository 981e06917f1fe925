package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"sitewright/internal/domain"
)

const baseRules = "You are an ELITE web developer. Your standards are EXTREMELY HIGH.\n" +
	"CRITICAL RULES:\n" +
	"1) MODERN DESIGN ONLY: Use contemporary aesthetics - gradients, shadows, animations, glassmorphism\n" +
	"2) RESPONSIVE FIRST: NEVER use fixed pixel widths on main containers. Use %, vw, vh, flexbox, grid\n" +
	"3) PROFESSIONAL QUALITY: Every site must look like a $50k+ production website\n" +
	"4) VISUAL POLISH: Smooth transitions, hover effects, proper spacing, beautiful typography\n" +
	"5) For UI work, ALWAYS create both preview/index.html AND preview/styles.css\n" +
	"6) Think like a senior designer at Apple, Stripe, or Vercel - that's your baseline\n" +
	"7) Use the web_search tool to research new technologies and find solutions to problems.\n"

// SystemRules joins the fixed directives with the configured system map
// snippet.
func SystemRules(snippet string) string {
	return baseRules + "\n" + snippet
}

func analysisInstructions(goal string, files []string) string {
	shown := files
	if len(shown) > 5 {
		shown = shown[:5]
	}
	more := ""
	if len(files) > 5 {
		more = fmt.Sprintf("(and %d more files)", len(files)-5)
	}
	return fmt.Sprintf(`You're an Advanced Project Architect. Please analyze this user request and provide an improved execution plan.

User request: %s

Current workspace contains: %s
%s

Design requirements to satisfy:
1. Modern, professional aesthetic
2. Fully responsive (mobile to desktop)
3. Clean, production-ready code
4. Semantic HTML5
5. Modern CSS techniques

Generate a comprehensive implementation plan in JSON format:
{
    "files": [{"name": "path/to/file.html", "purpose": "Description"}],
    "steps": ["Detailed implementation steps"],
    "tech_stack": ["HTML5", "CSS3", "JavaScript"],
    "dependencies": ["List any dependencies here"]
}`, goal, strings.Join(shown, ", "), more)
}

func enhancedContext(rules, goal string, plan domain.ImprovedPlan) string {
	files, _ := json.MarshalIndent(orEmpty(plan.Files), "", "  ")
	steps, _ := json.MarshalIndent(orEmpty(plan.Steps), "", "  ")
	return fmt.Sprintf(`CORE SYSTEM RULES:
%s

IMPROVED PLAN:
Goal: %s
Files: %s
Steps: %s

Now execute with exceedingly high quality - this will be used in production.`, rules, goal, files, steps)
}

func degradedContext(rules, goal string, cause error) string {
	return fmt.Sprintf("CORE SYSTEM RULES: %s\nGoal: %s\nNote: Plan enhancement failed: %v", rules, goal, cause)
}

func implementPrompt(goal string, plan domain.ImprovedPlan) string {
	planText := "default website plan"
	if !plan.Empty() {
		if data, err := json.Marshal(plan); err == nil {
			planText = string(data)
		}
	}
	return fmt.Sprintf("Implement project with ELITE standards: %s. Use plan: %s. Create the files in the preview/ folder.", goal, planText)
}

func plannerPrompt(goal string, files []string) string {
	listing, _ := json.MarshalIndent(orEmpty(files), "", "  ")
	return fmt.Sprintf(`You are a Strategic Planner for an elite web development team.

GOAL: %s

Current workspace files:
%s

INSTRUCTIONS:
1. If the user requests a website, generate a plan that includes HTML, CSS, and JavaScript as needed
2. Use modern frameworks and design patterns
3. Consider responsive design and accessibility
4. Create a detailed plan with specific file paths and code requirements

GENERATE a DETAILED, ACTIONABLE execution plan in STRICT JSON format:
{
"steps": ["Create HTML structure with semantic elements", "Add responsive CSS", "Implement interactivity if needed"],
"files_to_modify": ["path/to/file1"],
"files_to_create": ["path/to/file2"],
"technical_requirements": {
"frameworks": ["HTML5", "CSS3"],
"design_systems": "Modern responsive design",
"accessibility": "WCAG 2.1 AA"
},
"estimated_steps": 3,
"quality_requirements": ["Responsive design", "Modern aesthetics", "Accessible markup"],
"success_criteria": ["Downloads and runs locally without errors", "Displays correctly on mobile and desktop"]
}

Be EXTREMELY SPECIFIC about file paths and content.
Keep all your response in valid JSON format.`, goal, listing)
}

const (
	architectPromptFmt = "You are the Architect. Compress the run into strict JSON. " +
		"No extra keys. No prose. If unknown, use null.\n\n" +
		"Return JSON with keys: " +
		"goal, decisions (array), files_touched (array), changes_summary, open_questions (array), next_steps (array), risks (array).\n\n" +
		"GOAL: %s"
	notesPrompt = "You are the Note-Taker. Write concise Markdown notes for future runs, but ONLY about: " +
		"failures, wrong assumptions, blockers, regressions, repo landmines, and the minimal fixes that resolved them. " +
		"No fluff. No success stories. Max 40 lines."
	metaPrompt = "You are the Meta-Reviewer. Output strict JSON only. " +
		"Keys: workflow_issues (array), prompt_improvements (array), tool_improvements (array), memory_improvements (array). " +
		"No extra keys."
)

func orEmpty[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
