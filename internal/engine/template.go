package engine

import "strings"

// TemplateKind selects a prompt rendering scheme.
type TemplateKind string

const (
	TemplateLlama3 TemplateKind = "llama3"
	TemplateChatML TemplateKind = "chatml"
	TemplateCustom TemplateKind = "custom"
)

// Template renders a message list to a model-specific prompt string. It is
// only used when the application forces a template; in the production
// path the backend renders prompts itself from the model's embedded
// chat template (see backend.Backend.FormatPrompt).
type Template struct {
	Kind   TemplateKind
	Custom string // used only when Kind == TemplateCustom
}

// Render produces the full prompt for messages. The llama3 and chatml
// kinds append a trailing generation prompt if the conversation does not
// already end with an assistant turn; the custom kind renders only the
// per-message turns and appends no generation prompt.
func (t Template) Render(messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", New(KindInvalidTemplate, "cannot render an empty message list")
	}

	switch t.Kind {
	case TemplateLlama3:
		return t.renderLlama3(messages), nil
	case TemplateChatML:
		return t.renderChatML(messages), nil
	case TemplateCustom:
		if t.Custom == "" {
			return "", New(KindInvalidTemplate, "custom template selected without a template string")
		}
		return t.renderCustom(messages), nil
	default:
		return "", New(KindInvalidTemplate, "unknown template kind")
	}
}

func lastIsAssistant(messages []Message) bool {
	return messages[len(messages)-1].Role == RoleAssistant
}

func (t Template) renderLlama3(messages []Message) string {
	var b strings.Builder
	b.WriteString("<|begin_of_text|>")
	for _, m := range messages {
		b.WriteString("<|start_header_id|>")
		b.WriteString(string(m.Role))
		b.WriteString("<|end_header_id|>\n\n")
		b.WriteString(m.Content)
		b.WriteString("<|eot_id|>")
	}
	if !lastIsAssistant(messages) {
		b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	}
	return b.String()
}

func (t Template) renderChatML(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString("<|im_start|>")
		b.WriteString(string(m.Role))
		b.WriteString("\n")
		b.WriteString(m.Content)
		b.WriteString("<|im_end|>\n")
	}
	if !lastIsAssistant(messages) {
		b.WriteString("<|im_start|>assistant\n")
	}
	return b.String()
}

func (t Template) renderCustom(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		turn := t.Custom
		turn = strings.ReplaceAll(turn, "{{role}}", string(m.Role))
		turn = strings.ReplaceAll(turn, "{{content}}", m.Content)
		b.WriteString(turn)
	}
	return b.String()
}
