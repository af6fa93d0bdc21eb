package prompt

// Builtin template texts. Any of these can be replaced per-deployment
// through prompts.yaml; the variable sets in keySpecs are the contract
// overrides must honor.

const coachSystemPrompt = `You are a story development coach for storytellers in Richmond, Virginia. You help people turn lived experience into stories worth telling. You ask one thing at a time, you never invent details the storyteller did not share, and you keep your responses short and direct.`

const kickoffUser = `Let's build your story about "{{.core_idea}}".

Start me off: why this story, and why now? Tell me what happened, who was there, and what was at stake.`

const depthAnalysisSystem = `You are a narrative depth analyst for a Richmond, Virginia storytelling studio. You read a storyteller's core idea and their first pass at telling it, and you judge how much usable narrative substance is already on the table. You respond only in the exact format requested, with no preamble.`

const depthAnalysisUser = `A storyteller wants to build a story around this core idea:

{{.core_idea}}

Here is what they shared when asked to tell the story:

{{.user_response}}

Score the narrative depth of what they shared from 0.0 to 5.0:
- 0 to 1: restates the idea; no lived detail
- 2 to 3: some specifics, but key scenes, people, or stakes are missing
- 4 to 5: concrete scenes, named people or places, and clear stakes

Respond in exactly this format:
SCORE: <number>
CLASSIFICATION: <sufficient or insufficient>
REASON: <one sentence>`

const followUpQuestionUser = `The storyteller's core idea:

{{.core_idea}}

What they shared so far:

{{.user_response}}

Their share scored {{printf "%.1f" .depth_score}} out of 5.0 for narrative depth. Something load-bearing is still missing: a scene, a person, a stake, or a turning point.

Ask ONE specific follow-up question that would surface the most important missing piece. Return only the question.`

const personalAnecdoteUser = `The storyteller's core idea:

{{.core_idea}}

The ground they have covered so far:

{{.exploration}}

Ask the storyteller for one personal anecdote: a single specific moment they lived through that could anchor this story. Ask for the moment itself, not a summary. Return only the ask, phrased directly to the storyteller.`

const hookGenerationSystem = `You write opening hooks for personal stories rooted in Richmond, Virginia. A hook is the first thing a reader sees; it earns the next sentence or loses the reader. You follow output format contracts exactly, with no preamble and no commentary.`

const hookGenerationUser = `Core idea:
{{.core_idea}}

The storyteller's anecdote:
{{.anecdote}}

Richmond context that may ground the hooks:
{{.context}}

Write exactly 3 opening hooks for this story. Make them distinct from each other: one grounded in the anecdote's most vivid moment, one leading with the stakes, one leading with place. Each hook is one line in this format:

HOOK 1: <short title> - <the hook itself, one or two sentences>
HOOK 2: <short title> - <the hook itself, one or two sentences>
HOOK 3: <short title> - <the hook itself, one or two sentences>

Nothing before HOOK 1 and nothing after HOOK 3.`

const arcDevelopmentUser = `Core idea:
{{.core_idea}}

The storyteller's anecdote:
{{.anecdote}}

The opening hook they chose:
{{.hook_title}} - {{.hook_body}}

Where they want the story to go:
{{.direction}}

Richmond context that may ground the arc:
{{.context}}

Develop the narrative arc: the sequence of beats that carries a reader from this hook to where the storyteller wants to land. Name the tension, the turn, and the resolution. Write it as flowing prose the storyteller can react to, not as a bullet outline. Return only the arc.`

const quoteIntegrationUser = `Core idea:
{{.core_idea}}

The narrative arc so far:

{{.arc}}

The storyteller wants this quote woven into the story:

"{{.quote}}"

Richmond context that may ground the passage:
{{.context}}

Show where the quote lands in the arc and write the passage around it, so the quote reads as the moment's natural voice rather than an insert. Return only the integrated passage.`

const ctaGenerationSystem = `You write closing calls to action for personal stories rooted in Richmond, Virginia. A call to action tells the reader what to do with what they just felt. You follow output format contracts exactly, with no preamble and no commentary.`

const ctaGenerationUser = `Core idea:
{{.core_idea}}

The narrative arc:

{{.arc}}

The quote at the story's heart:

"{{.quote}}"

Write exactly 3 calls to action for this story: one inviting the reader to respond or share their own version, one pointing at a concrete next step, one that simply lands the theme. Each is one line in this format:

CTA 1: <short title> - <the call to action itself, one or two sentences>
CTA 2: <short title> - <the call to action itself, one or two sentences>
CTA 3: <short title> - <the call to action itself, one or two sentences>

Nothing before CTA 1 and nothing after CTA 3.`

const finalAssemblySystem = `You are a ghostwriter finishing a personal story for a storyteller in Richmond, Virginia. Everything you need is in the brief: the hook, the arc, the quote, the closing call to action, and the storyteller's own words. Use their material; do not invent events, people, or details they did not provide. Honor the style guidance exactly.`

const finalAssemblyUser = `Assemble the finished story from this brief.

Core idea:
{{.core_idea}}

Personal anecdote, in the storyteller's words:
{{.anecdote}}

Opening hook:
{{.hook_title}} - {{.hook_body}}

Narrative arc:
{{.arc}}

Quote to carry, in the storyteller's words:
"{{.quote}}"

Closing call to action:
{{.cta_title}} - {{.cta_body}}

Style: {{.style}}
Style guidance: {{.style_guidance}}

Richmond context that may ground details:
{{.context}}

Write the complete story. Open with the hook, follow the arc, let the quote land where it belongs, and close with the call to action.

After the story you may append up to three metadata lines, each on its own line:
THEMES: <comma-separated themes>
TONE: <one or two words>
ANGLE: <short phrase naming the story's angle>`

const errorRecoveryUser = `I hit a snag while generating options for your story, so we're paused at {{.stage}}. Nothing you shared was lost. Send any message and I'll pick up right where we left off.`

const hookSelectedUser = `Locked in: "{{.title}}". Now give me a direction. Where should this story go from that opening, and what should the reader feel by the end?`

const ctaSelectedUser = `Closing call to action locked: "{{.title}}". Your story has everything it needs. Pick a style and generate it whenever you're ready.`

const reissueExactThreeUser = `Your previous reply contained {{.count}} well-formed {{.kind}} lines. Reply again with exactly 3 lines in the format "{{.kind}} N: <title> - <body>", numbered 1 through 3, and nothing else.`

// builtinTemplates returns the default template set. The engine renders
// kickoff, error_recovery, hook_selected, cta_selected, and
// reissue_exact_three locally, so those carry no system prompt.
func builtinTemplates() map[Key]Template {
	return map[Key]Template{
		KeyKickoff:           {User: kickoffUser},
		KeyDepthAnalysis:     {System: depthAnalysisSystem, User: depthAnalysisUser},
		KeyFollowUpQuestion:  {System: coachSystemPrompt, User: followUpQuestionUser},
		KeyPersonalAnecdote:  {System: coachSystemPrompt, User: personalAnecdoteUser},
		KeyHookGeneration:    {System: hookGenerationSystem, User: hookGenerationUser},
		KeyArcDevelopment:    {System: coachSystemPrompt, User: arcDevelopmentUser},
		KeyQuoteIntegration:  {System: coachSystemPrompt, User: quoteIntegrationUser},
		KeyCTAGeneration:     {System: ctaGenerationSystem, User: ctaGenerationUser},
		KeyFinalAssembly:     {System: finalAssemblySystem, User: finalAssemblyUser},
		KeyErrorRecovery:     {User: errorRecoveryUser},
		KeyHookSelected:      {User: hookSelectedUser},
		KeyCTASelected:       {User: ctaSelectedUser},
		KeyReissueExactThree: {User: reissueExactThreeUser},
	}
}
