// Package genai wraps the external generation backends: chat completion,
// image generation, speech recognition and speech synthesis. Every call is
// single-shot; callers decide what a failure means for the user.
package genai

import (
	"context"
	"io"
	"strings"
	"unicode/utf8"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Image is a generation result. Backends fill URL, Bytes, or both.
type Image struct {
	URL   string
	Bytes []byte
	Mime  string
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (*Image, error)
}

type Service interface {
	ImageGenerator
	GenerateText(ctx context.Context, history []Message) (string, error)
	TranscribeAudio(ctx context.Context, audio io.Reader, filename string) (string, error)
	SynthesizeSpeech(ctx context.Context, text string) ([]byte, error)
}

// WithImageBackend routes image generation to images while chat and voice
// stay on base.
func WithImageBackend(base Service, images ImageGenerator) Service {
	if images == nil {
		return base
	}
	return &splitService{Service: base, images: images}
}

type splitService struct {
	Service
	images ImageGenerator
}

func (s *splitService) GenerateImage(ctx context.Context, prompt string) (*Image, error) {
	return s.images.GenerateImage(ctx, prompt)
}

const (
	maxImagePrompt   = 1000
	shortImagePrompt = 20
	qualitySuffix    = ", high quality, detailed, professional"
)

// CleanImagePrompt trims the prompt, cuts it to the backend limit on a word
// boundary and pads very short prompts with quality hints.
func CleanImagePrompt(prompt string) string {
	cleaned := strings.TrimSpace(prompt)
	if cleaned == "" {
		return ""
	}
	if utf8.RuneCountInString(cleaned) > maxImagePrompt {
		cleaned = string([]rune(cleaned)[:maxImagePrompt])
		if i := strings.LastIndex(cleaned, " "); i > 0 {
			cleaned = cleaned[:i]
		}
	}
	if utf8.RuneCountInString(cleaned) < shortImagePrompt {
		cleaned += qualitySuffix
	}
	return cleaned
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
