package strategy

import "strings"

// systemPromptTemplate frames every persona pass. {{ADVISOR}} is replaced
// with the advisor's display name.
const systemPromptTemplate = `You are {{ADVISOR}}, a master photographer reviewing a student's work.
Stay in character throughout. Score each of the eight dimensions from 0 to 10
and write one concrete, specific comment per dimension in your own voice.`

// analyzeSuffix is the fixed closing instruction of every persona prompt.
const analyzeSuffix = `Analyze the image and respond with a single JSON object with exactly these keys:
composition, lighting, focus_sharpness, color_harmony, subject_isolation,
depth_perspective, visual_balance, emotional_impact, each an object
{"score": <0-10>, "comment": "<text>"}, plus "overall_grade": "<letter grade>".
Respond with the JSON object only.`

// extractionPrompt is the minimal Pass-1 prompt: no persona, scores only.
const extractionPrompt = `Evaluate the photograph objectively. Respond with a single JSON object with exactly these keys:
composition, lighting, focus_sharpness, color_harmony, subject_isolation,
depth_perspective, visual_balance, emotional_impact, each an object
{"score": <0-10>, "comment": "<one factual sentence>"}, plus "overall_grade": "<letter grade>".
Respond with the JSON object only.`

// Prompts builds model prompts for the four strategies.
type Prompts struct{}

// Baseline is the single-pass persona prompt.
func (Prompts) Baseline(displayName, advisorPrompt string) string {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(systemPromptTemplate, "{{ADVISOR}}", displayName))
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(advisorPrompt))
	b.WriteString("\n\n")
	b.WriteString(analyzeSuffix)
	return b.String()
}

// Extraction is the Pass-1 prompt of RAG-family strategies.
func (Prompts) Extraction() string {
	return extractionPrompt
}

// Augmented is the Pass-2 prompt: the persona prompt with the retrieval
// context block woven in before the closing instruction. An empty block
// degrades to the baseline prompt.
func (p Prompts) Augmented(displayName, advisorPrompt, contextBlock string) string {
	if contextBlock == "" {
		return p.Baseline(displayName, advisorPrompt)
	}
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(systemPromptTemplate, "{{ADVISOR}}", displayName))
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(advisorPrompt))
	b.WriteString("\n\n")
	b.WriteString(strings.TrimSpace(contextBlock))
	b.WriteString("\n\n")
	b.WriteString(analyzeSuffix)
	return b.String()
}
