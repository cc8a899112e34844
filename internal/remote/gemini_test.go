package remote

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeModels struct {
	resp      *genai.GenerateContentResponse
	err       error
	gotModel  string
	gotConfig *genai.GenerateContentConfig
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, _ []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.gotModel, f.gotConfig = model, config
	return f.resp, f.err
}

func textResponse(s string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(s, genai.RoleModel)}},
	}
}

func TestGeminiComplete(t *testing.T) {
	fm := &fakeModels{resp: textResponse(" <FINISH>\n")}
	c := &GeminiClient{models: fm, cfg: GeminiConfig{Model: "gemini-2.5-flash", Temperature: 0.7, MaxTokens: 50}}

	text, err := c.Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "<FINISH>", text)
	assert.Equal(t, "gemini-2.5-flash", fm.gotModel)
	require.NotNil(t, fm.gotConfig.Temperature)
	assert.InDelta(t, 0.7, *fm.gotConfig.Temperature, 0.001)
	assert.Equal(t, int32(50), fm.gotConfig.MaxOutputTokens)
	require.NotNil(t, fm.gotConfig.SystemInstruction)
}

func TestGeminiErrors(t *testing.T) {
	c := &GeminiClient{models: &fakeModels{err: errors.New("quota")}}
	_, err := c.Complete(context.Background(), "s", "u")
	assert.Error(t, err)

	c = &GeminiClient{models: &fakeModels{resp: &genai.GenerateContentResponse{}}}
	_, err = c.Complete(context.Background(), "s", "u")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
