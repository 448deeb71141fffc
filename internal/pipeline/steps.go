package pipeline

// Step is one named stage of the content-generation pipeline.
type Step string

const (
	StepUploadValidation   Step = "upload_validation"
	StepTranscription      Step = "transcription"
	StepWisdomExtraction   Step = "wisdom_extraction"
	StepResearchEnrichment Step = "research_enrichment"
	StepOutlineCreation    Step = "outline_creation"
	StepArticleCreation    Step = "article_creation"
	StepSocialContent      Step = "social_content"
	StepImagePrompts       Step = "image_prompts"
	StepDatabaseStorage    Step = "database_storage"
)

// Steps is the fixed execution order. A run advances through this list one
// step per Advance call.
var Steps = [...]Step{
	StepUploadValidation,
	StepTranscription,
	StepWisdomExtraction,
	StepResearchEnrichment,
	StepOutlineCreation,
	StepArticleCreation,
	StepSocialContent,
	StepImagePrompts,
	StepDatabaseStorage,
}

// StepCount is the number of pipeline stages.
const StepCount = len(Steps)

func (s Step) String() string { return string(s) }

// ParseStep maps a step name back to its enum value.
func ParseStep(name string) (Step, bool) {
	for _, s := range Steps {
		if string(s) == name {
			return s, true
		}
	}
	return "", false
}
