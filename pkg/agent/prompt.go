package agent

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxActionsPerStep bounds how many actions one step may emit.
const DefaultMaxActionsPerStep = 10

const basePrompt = `You are a browser automation agent. You are given a task and ` +
	`the current page URL each step. Answer with a JSON object of the form ` +
	`{"action": "<what to do next>", "evaluation": "<assessment of the last step>", ` +
	`"done": <bool>, "success": <bool>}. Set "done" only when the task is ` +
	`finished; set "success" to the final outcome. Emit at most %d actions per step.`

// languageExtensions appends per-language guidance to the base prompt.
var languageExtensions = map[string]string{
	"ja": "### 追加の言語ガイドライン\n" +
		"- すべての思考過程、行動の評価、メモリ、次の目標、最終報告などの文章は必ず自然な日本語で記述してください。\n" +
		"- 成功や失敗などのステータスも日本語（例: 成功、失敗、未確定）で明示してください。\n" +
		"- Webページ上の固有名詞や引用、ユーザーに提示する必要がある原文テキストは、そのままの言語で保持しても問題ありません。\n" +
		"- GoogleやDuckDuckGoなどの検索エンジンは使用しないでください。yahoo.co.jpを基本的には使用してください。\n",
}

// PromptOptions configures system prompt assembly.
type PromptOptions struct {
	// TemplatePath points at an optional template file. When the file
	// exists its content replaces the base prompt entirely, with
	// {max_actions} and {current_datetime} substituted.
	TemplatePath string

	MaxActionsPerStep int
	Language          string

	// ExtraSystemMessage is a per-run addition from the caller.
	ExtraSystemMessage string

	Logger zerolog.Logger
}

// BuildSystemPrompt assembles the system prompt for a run.
func BuildSystemPrompt(opts PromptOptions) string {
	maxActions := opts.MaxActionsPerStep
	if maxActions <= 0 {
		maxActions = DefaultMaxActionsPerStep
	}

	prompt := ""
	if opts.TemplatePath != "" {
		if data, err := os.ReadFile(opts.TemplatePath); err == nil {
			prompt = renderTemplate(string(data), maxActions)
			opts.Logger.Info().Str("path", opts.TemplatePath).Msg("Loaded system prompt template")
		} else if !os.IsNotExist(err) {
			opts.Logger.Warn().Err(err).Str("path", opts.TemplatePath).Msg("Failed to read system prompt template")
		}
	}

	if prompt == "" {
		prompt = fmt.Sprintf(basePrompt, maxActions)
		if ext, ok := languageExtensions[strings.ToLower(opts.Language)]; ok {
			prompt += "\n\n" + ext
		}
	}

	if extra := strings.TrimSpace(opts.ExtraSystemMessage); extra != "" {
		prompt += "\n\n" + extra
	}

	return prompt
}

// renderTemplate substitutes the template placeholders. A template that
// uses none of them is returned as-is.
func renderTemplate(template string, maxActions int) string {
	now := time.Now().Format("2006年01月02日15時04分")
	out := strings.ReplaceAll(template, "{max_actions}", fmt.Sprintf("%d", maxActions))
	out = strings.ReplaceAll(out, "{current_datetime}", "現在の日時ー"+now)
	return out
}
