package genai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sashabaranov/go-openai"
)

const defaultPersona = "You are a friendly, knowledgeable assistant inside a Telegram bot. " +
	"Answer clearly and concisely in the language the user writes in."

type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	ChatModel  string
	ImageModel string
	Voice      string
	Persona    string
}

// OpenAI implements Service on top of the OpenAI API.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
	log    *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig, log *slog.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = openai.GPT4oMini
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = openai.CreateImageModelDallE3
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceAlloy)
	}
	if cfg.Persona == "" {
		cfg.Persona = defaultPersona
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	log.Info("initializing openai client", "chat_model", cfg.ChatModel, "image_model", cfg.ImageModel)
	return &OpenAI{client: openai.NewClientWithConfig(clientCfg), cfg: cfg, log: log}, nil
}

func (o *OpenAI) GenerateText(ctx context.Context, history []Message) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: o.cfg.Persona})
	for _, m := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.cfg.ChatModel,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errors.New("openai returned no choices")
	}
	o.log.Debug("chat completion", "finish_reason", resp.Choices[0].FinishReason, "tokens", resp.Usage.TotalTokens)
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) GenerateImage(ctx context.Context, prompt string) (*Image, error) {
	cleaned := CleanImagePrompt(prompt)
	if cleaned == "" {
		return nil, errors.New("empty image prompt")
	}

	resp, err := o.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         cleaned,
		Model:          o.cfg.ImageModel,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		Quality:        openai.CreateImageQualityStandard,
		Style:          openai.CreateImageStyleVivid,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create image: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return nil, errors.New("openai returned no image data")
	}
	return &Image{URL: resp.Data[0].URL, Mime: "image/png"}, nil
}

func (o *OpenAI) TranscribeAudio(ctx context.Context, audio io.Reader, filename string) (string, error) {
	if filename == "" {
		filename = "voice.ogg"
	}
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: filename,
		Reader:   audio,
	})
	if err != nil {
		return "", fmt.Errorf("create transcription: %w", err)
	}
	return resp.Text, nil
}

// SynthesizeSpeech returns Ogg/Opus audio, which Telegram accepts as a voice note.
func (o *OpenAI) SynthesizeSpeech(ctx context.Context, text string) ([]byte, error) {
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          openai.SpeechVoice(o.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormatOpus,
	})
	if err != nil {
		return nil, fmt.Errorf("create speech: %w", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read speech: %w", err)
	}
	return audio, nil
}
