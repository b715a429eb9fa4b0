package analyzer

import (
	"context"
	"strings"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	"github.com/pkg/errors"
)

type Analyzer struct {
	client   *anthropic.Client
	model    string
	language string
}

func New(apiKey string, model string, language string) *Analyzer {
	return &Analyzer{
		client:   anthropic.NewClient(apiKey),
		model:    model,
		language: language,
	}
}

// Narrative asks the model for a short written summary of the posture trend in in.
func (a *Analyzer) Narrative(ctx context.Context, in Input) (string, error) {
	if len(in.Trend) == 0 {
		return "", errors.New("no compliance history to analyze")
	}

	req := anthropic.MessagesRequest{
		Model:     anthropic.Model(a.model),
		MaxTokens: 1024,
		System:    systemPrompt(a.language),
		Messages: []anthropic.Message{
			anthropic.NewUserTextMessage(buildPrompt(in)),
		},
	}

	resp, err := a.client.CreateMessages(ctx, req)
	if err != nil {
		return "", errors.Wrap(err, "failed to call Claude API")
	}

	var text strings.Builder
	for _, c := range resp.Content {
		text.WriteString(c.GetText())
	}
	if text.Len() == 0 {
		return "", errors.New("received empty response from Claude API")
	}
	return strings.TrimSpace(text.String()), nil
}
