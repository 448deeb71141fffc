package generate

// Kind names one content-generation task.
type Kind string

const (
	KindWisdom       Kind = "wisdom"
	KindResearch     Kind = "research"
	KindOutline      Kind = "outline"
	KindArticle      Kind = "article"
	KindSocial       Kind = "social"
	KindImagePrompts Kind = "image_prompts"
	KindCritique     Kind = "critique"
	KindRevision     Kind = "revision"
)

// systemPrompts hold the default instruction per generation kind. A caller
// may override via Request.CustomPrompt.
var systemPrompts = map[Kind]string{
	KindWisdom: "You extract key insights, lessons, and memorable ideas " +
		"from transcripts. Return a structured list of the most valuable " +
		"points, preserving the speaker's intent.",
	KindResearch: "You enrich content with supporting research. Given a " +
		"transcript and extracted insights, suggest relevant sources, " +
		"context, and factual background that strengthen the material.",
	KindOutline: "You create detailed content outlines. Given a transcript " +
		"and its extracted insights, produce a hierarchical outline for a " +
		"long-form article.",
	KindArticle: "You write polished long-form articles. Follow the " +
		"provided outline closely and draw quotes and detail from the " +
		"transcript.",
	KindSocial: "You write social media posts. From the article and " +
		"insights, produce a set of platform-ready posts with varied " +
		"hooks and lengths.",
	KindImagePrompts: "You write prompts for image-generation models. " +
		"Produce vivid, concrete visual descriptions matching the " +
		"article's key themes.",
	KindCritique: "You are an exacting editor. Critique the draft for " +
		"structure, clarity, and accuracy against the source transcript. " +
		"Return actionable revision notes.",
	KindRevision: "You revise drafts. Apply the editor's critique to the " +
		"draft, keeping what works and fixing what the notes call out.",
}

// SystemPrompt returns the default instruction for a kind.
func SystemPrompt(k Kind) string { return systemPrompts[k] }
