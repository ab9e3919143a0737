package llm

import (
	"context"

	"google.golang.org/genai"
)

// imageModel is the image-capable model used for generation and edits.
const imageModel = "gemini-2.5-flash-image"

// GenerateImage produces an image from a prompt, optionally conditioned
// on a base image (edit mode). Returns the raw bytes and their MIME
// type. Shares the key-rotation path with text generation.
func (c *Client) GenerateImage(ctx context.Context, prompt string, base []byte, baseMime string) ([]byte, string, error) {
	if err := c.genSem.Acquire(ctx, 1); err != nil {
		return nil, "", err
	}
	defer c.genSem.Release(1)

	parts := []*genai.Part{{Text: prompt}}
	if len(base) > 0 {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: baseMime, Data: base}})
	}
	contents := []*genai.Content{{Role: string(genai.RoleUser), Parts: parts}}
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
	}

	keyIdx := c.currentKey()
	var lastErr error
	for tried := 0; tried < len(c.clients); tried++ {
		resp, err := c.clients[keyIdx].Models.GenerateContent(ctx, imageModel, contents, cfg)
		if err != nil {
			cerr := Classify(err)
			lastErr = cerr
			if cerr.Class == ClassQuota {
				keyIdx = c.rotateKey(keyIdx)
				continue
			}
			return nil, "", cerr
		}
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, p := range cand.Content.Parts {
				if p.InlineData != nil && len(p.InlineData.Data) > 0 {
					return p.InlineData.Data, p.InlineData.MIMEType, nil
				}
			}
		}
		return nil, "", &Error{Class: ClassUnknown, Err: ErrEmptyResponse}
	}
	if lastErr == nil {
		lastErr = &Error{Class: ClassQuota, Err: ErrAllKeysExhausted}
	}
	return nil, "", lastErr
}
