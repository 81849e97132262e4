package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const editDialog = `╭──────────────────────────────────────────╮
│ Do you want to make this edit to main.go? │
│ ❯ 1. Yes                                  │
│   2. Yes, allow all edits this session    │
│   3. No, and tell me what to do instead   │
╰──────────────────────────────────────────╯`

const trustDialog = `╭──────────────────────────────────────────╮
│ Do you trust the files in this folder?    │
│                                           │
│ ❯ Yes, proceed                            │
│   No, exit                                │
╰──────────────────────────────────────────╯`

const choiceDialog = `╭──────────────────────────────────────────╮
│ Which approach should I take?             │
│ ❯ 1. Refactor in place                    │
│   2. Rewrite the module                   │
│   3. Leave it alone                       │
╰──────────────────────────────────────────╯`

func TestDetectPrompt_EditConfirmation(t *testing.T) {
	info := detectPrompt(editDialog)
	require.True(t, info.Detected)
	assert.Equal(t, PromptEditConfirmation, info.Type)
	assert.True(t, info.YesDefault)
}

func TestDetectPrompt_TrustConfirmation(t *testing.T) {
	info := detectPrompt(trustDialog)
	require.True(t, info.Detected)
	assert.Equal(t, PromptConfirmation, info.Type)
	assert.True(t, info.YesDefault)
}

func TestDetectPrompt_NumberedChoice(t *testing.T) {
	info := detectPrompt(choiceDialog)
	require.True(t, info.Detected)
	assert.Equal(t, PromptChoice, info.Type)
	assert.False(t, info.YesDefault)
}

func TestDetectPrompt_PlainOutput(t *testing.T) {
	info := detectPrompt("$ go test ./...\nok github.com/x/y 0.2s\n$ ")
	assert.False(t, info.Detected)
}

func TestDetectPrompt_IdleInputBoxIsNotAPrompt(t *testing.T) {
	// The regular input box has borders but no selection marker and no
	// question; it must not be treated as an interactive prompt.
	content := "╭──────────────╮\n│ >            │\n╰──────────────╯\n? for shortcuts"
	info := detectPrompt(content)
	assert.False(t, info.Detected)
}

func TestDetectPrompt_FastPathMarkerPlusBorder(t *testing.T) {
	// Selection marker inside a bordered region fires the fast path even
	// without a recognized phrase.
	content := "╭──────────────╮\n│ ❯ option one │\n│   option two │\n╰──────────────╯"
	info := detectPrompt(content)
	require.True(t, info.Detected)
}

func TestDetectPrompt_QuestionWithYesNo(t *testing.T) {
	content := "╭──────────────────────────╮\n│ Overwrite existing file?  │\n│ (yes/no)                  │\n╰──────────────────────────╯"
	info := detectPrompt(content)
	require.True(t, info.Detected)
}

func TestDetectPrompt_MalformedNeverPanics(t *testing.T) {
	inputs := []string{"", "╭", "╰", "│ lone border", "❯"}
	for _, in := range inputs {
		_ = detectPrompt(in)
	}
}
