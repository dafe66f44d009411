package engine_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zookeeper-run/zoo/internal/engine"
)

func TestTemplateRenderRejectsEmpty(t *testing.T) {
	tpl := engine.Template{Kind: engine.TemplateLlama3}
	_, err := tpl.Render(nil)
	assert.Error(t, err)
}

func TestTemplateLlama3AddsGenerationPrompt(t *testing.T) {
	tpl := engine.Template{Kind: engine.TemplateLlama3}
	out, err := tpl.Render([]engine.Message{{Role: engine.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "<|start_header_id|>assistant<|end_header_id|>\n\n"))
}

func TestTemplateLlama3SkipsGenerationPromptWhenLastIsAssistant(t *testing.T) {
	tpl := engine.Template{Kind: engine.TemplateLlama3}
	out, err := tpl.Render([]engine.Message{
		{Role: engine.RoleUser, Content: "hi"},
		{Role: engine.RoleAssistant, Content: "hello"},
	})
	require.NoError(t, err)
	assert.False(t, strings.HasSuffix(out, "<|start_header_id|>assistant<|end_header_id|>\n\n"))
}

func TestTemplateChatML(t *testing.T) {
	tpl := engine.Template{Kind: engine.TemplateChatML}
	out, err := tpl.Render([]engine.Message{{Role: engine.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Contains(t, out, "<|im_start|>user\nhi<|im_end|>\n")
	assert.True(t, strings.HasSuffix(out, "<|im_start|>assistant\n"))
}

func TestTemplateCustomRequiresTemplateString(t *testing.T) {
	tpl := engine.Template{Kind: engine.TemplateCustom}
	_, err := tpl.Render([]engine.Message{{Role: engine.RoleUser, Content: "hi"}})
	assert.Error(t, err)
}

func TestTemplateCustomSubstitutesPlaceholders(t *testing.T) {
	tpl := engine.Template{Kind: engine.TemplateCustom, Custom: "[{{role}}] {{content}}\n"}
	out, err := tpl.Render([]engine.Message{{Role: engine.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "[user] hi\n", out)
}

func TestTemplateUnknownKind(t *testing.T) {
	tpl := engine.Template{Kind: "bogus"}
	_, err := tpl.Render([]engine.Message{{Role: engine.RoleUser, Content: "hi"}})
	assert.Error(t, err)
}
