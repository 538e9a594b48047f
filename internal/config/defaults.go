package config

// applyTemplateDefaults fills empty prompt template slots with the built-in
// templates below. Users override individual templates in the config file.
func applyTemplateDefaults(t *PromptTemplates) {
	if t.Outline == "" {
		t.Outline = defaultOutlineTemplate
	}
	if t.ExtractCharacters == "" {
		t.ExtractCharacters = defaultExtractCharactersTemplate
	}
	if t.ExtractWorld == "" {
		t.ExtractWorld = defaultExtractWorldTemplate
	}
	if t.ExtractMotifs == "" {
		t.ExtractMotifs = defaultExtractMotifsTemplate
	}
	if t.Plan == "" {
		t.Plan = defaultPlanTemplate
	}
	if t.Draft == "" {
		t.Draft = defaultDraftTemplate
	}
	if t.Analyze == "" {
		t.Analyze = defaultAnalyzeTemplate
	}
	if t.Decide == "" {
		t.Decide = defaultDecideTemplate
	}
	if t.TargetedEdit == "" {
		t.TargetedEdit = defaultTargetedEditTemplate
	}
	if t.Regenerate == "" {
		t.Regenerate = defaultRegenerateTemplate
	}
	if t.LightPolish == "" {
		t.LightPolish = defaultLightPolishTemplate
	}
	if t.Evaluate == "" {
		t.Evaluate = defaultEvaluateTemplate
	}
	if t.Consistency == "" {
		t.Consistency = defaultConsistencyTemplate
	}
	if t.Consolidate == "" {
		t.Consolidate = defaultConsolidateTemplate
	}
	if t.Polish == "" {
		t.Polish = defaultPolishTemplate
	}
	if t.Transition == "" {
		t.Transition = defaultTransitionTemplate
	}
	if t.Title == "" {
		t.Title = defaultTitleTemplate
	}
	if t.Summary == "" {
		t.Summary = defaultSummaryTemplate
	}
	if t.DraftSystemPrompt == "" {
		t.DraftSystemPrompt = defaultDraftSystemPrompt
	}
}

const defaultOutlineTemplate = `You are an accomplished novelist planning a new book. Write a detailed outline for a novel based on this premise:

"{{.Premise}}"

The novel has exactly {{.UnitCount}} chapters and is written in a {{.Style}} style.

The outline must cover:
- The central conflict and how it escalates
- The protagonist's arc from beginning to end
- Key supporting characters and what they want
- The setting and its rules
- How each chapter advances the story (one short paragraph per chapter, numbered)

Write the outline as plain prose with numbered chapter paragraphs. Do not write any chapter text yet.`

const defaultExtractCharactersTemplate = `Read the following novel outline and extract the characters.

OUTLINE:
{{.Outline}}

For each significant character give their name, role in the story, defining traits, and what they want. Write one compact paragraph per character. List the protagonist first.`

const defaultExtractWorldTemplate = `Read the following novel outline and extract the world details.

OUTLINE:
{{.Outline}}

Describe the setting, its locations, its rules (technology, magic, politics, social order) and anything that constrains what characters can do. Be concrete and brief.`

const defaultExtractMotifsTemplate = `Read the following novel outline and extract the recurring motifs and themes.

OUTLINE:
{{.Outline}}

List the themes the novel explores and the images or motifs that should recur across chapters. Keep it short.`

const defaultPlanTemplate = `You are planning the chapters of a novel. Based on the outline and story bible below, produce a chapter-by-chapter plan.

OUTLINE:
{{.Outline}}

CHARACTERS:
{{.Characters}}

WORLD:
{{.World}}

The novel has exactly {{.UnitCount}} chapters.

Return ONLY a valid JSON array (no markdown, no additional text) with one object per chapter:
[{"index": 1, "title": "...", "objective": "what this chapter must accomplish", "key_events": ["...", "..."], "setting": "where it takes place"}, ...]`

const defaultDraftTemplate = `Write chapter {{.Index}} of the novel, titled "{{.Title}}".

STORY SO FAR:
{{.PreviousSummaries}}

CHAPTER PLAN:
Objective: {{.Objective}}
Key events: {{.KeyEvents}}
Setting: {{.Setting}}

STORY BIBLE:
Characters: {{.Characters}}
World: {{.World}}
Motifs: {{.Motifs}}

Write the full chapter in a {{.Style}} style, roughly {{.TargetWords}} words. Write only the chapter prose. Do not include the chapter title, headings, or any commentary.`

const defaultAnalyzeTemplate = `You are a sharp literary critic. Analyze the following chapter draft.

CHAPTER PLAN:
Objective: {{.Objective}}
Key events: {{.KeyEvents}}

DRAFT:
{{.Content}}

Return ONLY a valid JSON object (no markdown, no additional text):
{"critique": "2-4 sentences on the draft's main strengths and weaknesses", "issues": ["specific issue 1", "specific issue 2", ...]}

List only issues that a revision could actually fix. An empty issues array means the draft is publishable as is.`

const defaultDecideTemplate = `You are deciding how to revise a chapter draft based on a critique.

CRITIQUE:
{{.Critique}}

ISSUES:
{{.Issues}}

HEURISTIC SCORE (0-100): {{.HeuristicScore}}

Choose exactly one strategy:
- "targeted-edit": fix specific passages while keeping the draft (for localized issues)
- "regenerate": rewrite the chapter from scratch (for structural problems)
- "light-polish": minor prose touch-ups only (for an already strong draft)
- "skip": the draft is good enough, no revision needed

Return ONLY a valid JSON object (no markdown, no additional text):
{"strategy": "...", "reasoning": "one sentence", "priority": "high|medium|low", "confidence": 0-100}`

const defaultTargetedEditTemplate = `Revise the following chapter by fixing the listed issues. Keep everything that works. Preserve the chapter's length, voice, and plot.

ISSUES TO FIX:
{{.Issues}}

CHAPTER:
{{.Content}}

Return only the complete revised chapter prose, no commentary.`

const defaultRegenerateTemplate = `The previous draft of this chapter had structural problems. Write a completely new draft.

WHAT WENT WRONG:
{{.Critique}}

CHAPTER PLAN:
Objective: {{.Objective}}
Key events: {{.KeyEvents}}
Setting: {{.Setting}}

STORY SO FAR:
{{.PreviousSummaries}}

Write the full chapter in a {{.Style}} style, roughly {{.TargetWords}} words. Write only the chapter prose, no commentary.`

const defaultLightPolishTemplate = `Polish the prose of the following chapter. Improve word choice, rhythm, and sentence variety. Do not change plot, structure, or length.

CHAPTER:
{{.Content}}

Return only the complete polished chapter prose, no commentary.`

const defaultEvaluateTemplate = `You are an expert literary judge. Score the following revised chapter against its plan.

CHAPTER PLAN:
Objective: {{.Objective}}
Key events: {{.KeyEvents}}

CHAPTER:
{{.Content}}

Score 0-100 where 70 means publishable. Return ONLY a valid JSON object (no markdown, no additional text):
{"score": 0-100, "reasoning": "one sentence"}`

const defaultConsistencyTemplate = `Check the following chapter against the story bible for contradictions.

STORY BIBLE:
Characters: {{.Characters}}
World: {{.World}}

PREVIOUS CHAPTER SUMMARIES:
{{.PreviousSummaries}}

CHAPTER:
{{.Content}}

Return ONLY a valid JSON array of strings listing contradictions found (empty array if none):
["contradiction 1", ...]`

const defaultConsolidateTemplate = `You are doing a continuity pass over a complete novel draft. Below is chapter {{.Index}} with summaries of every chapter.

ALL CHAPTER SUMMARIES:
{{.AllSummaries}}

CHAPTER {{.Index}}:
{{.Content}}

Fix continuity errors, repeated revelations, and timeline slips in this chapter so it fits the whole. Keep everything else unchanged. Return only the complete chapter prose, no commentary.`

const defaultPolishTemplate = `You are doing a final prose polish over a finished novel. Polish chapter {{.Index}} below: tighten weak sentences, remove repeated phrases, sharpen dialogue. Do not change plot or structure.

CHAPTER:
{{.Content}}

Return only the complete polished chapter prose, no commentary.`

const defaultTransitionTemplate = `Rewrite the ending of chapter {{.Index}} so it flows into the opening of chapter {{.NextIndex}}.

CURRENT ENDING OF CHAPTER {{.Index}}:
{{.Tail}}

OPENING OF CHAPTER {{.NextIndex}}:
{{.NextOpening}}

Rewrite only the ending passage so the hand-off feels deliberate. Keep roughly the same length. Return only the rewritten ending, no commentary.`

const defaultTitleTemplate = `Based on the outline and themes below, name this novel.

OUTLINE:
{{.Outline}}

MOTIFS:
{{.Motifs}}

Return ONLY a valid JSON object (no markdown, no additional text):
{"title": "...", "subtitle": "...", "synopsis": "2-3 sentence back-cover synopsis"}`

const defaultSummaryTemplate = `Summarize the following chapter in 3-5 sentences, covering what happened, what changed for the characters, and where things stand at the end. Write in past tense.

CHAPTER:
{{.Content}}`

const defaultDraftSystemPrompt = `You are a celebrated novelist known for vivid, emotionally grounded fiction. You write complete chapters of sustained quality without filler or summary narration. You never break character to comment on your own writing.`
