package textgen

import "context"

// echoPreviewLimit caps how much of the user's message the echo repeats.
const echoPreviewLimit = 200

// Echo is a deterministic Generator that repeats the last user turn. It is
// the default provider for local development and tests.
type Echo struct{}

// NewEcho creates an Echo generator.
func NewEcho() *Echo { return &Echo{} }

// Generate returns "(echo) You said: ..." for the most recent user turn,
// truncated to a fixed preview length.
func (e *Echo) Generate(_ context.Context, conversation []Turn) (string, error) {
	var lastUser string
	for i := len(conversation) - 1; i >= 0; i-- {
		if conversation[i].Role == "user" {
			lastUser = conversation[i].Content
			break
		}
	}
	if len(lastUser) > echoPreviewLimit {
		lastUser = lastUser[:echoPreviewLimit]
	}
	return "(echo) You said: " + lastUser, nil
}

var _ Generator = (*Echo)(nil)
