package agent

import "strings"

// textOnlyModelPrefixes are model families without image input support.
var textOnlyModelPrefixes = []string{
	"gpt-3.5",
	"o1-mini",
	"o3-mini",
	"deepseek",
	"llama",
	"mixtral",
	"qwen",
}

// VisionSupported decides whether screenshots may be sent to the model.
// The user preference gates everything; groq never supports vision, and
// known text-only model families are excluded regardless of provider.
func VisionSupported(provider, model string, userPref bool) bool {
	if !userPref {
		return false
	}
	if strings.EqualFold(provider, "groq") {
		return false
	}

	lower := strings.ToLower(model)
	for _, prefix := range textOnlyModelPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return false
		}
	}
	return true
}
