package infra

import (
	"fmt"
	"net/http"

	"storybook/internal/providers/image"
	"storybook/internal/providers/llm"
	"storybook/internal/providers/moderation"
	"storybook/internal/storage"
)

// BuildCompleter selects the story model from LLM_PROVIDER.
func BuildCompleter(cfg *Config) (llm.Completer, error) {
	switch cfg.LLMProvider {
	case "openai":
		return llm.NewOpenAI(llm.OpenAIOptions{
			APIKey:     cfg.LLMAPIKey,
			Model:      cfg.LLMModel,
			BaseURL:    cfg.LLMBaseURL,
			HTTPClient: &http.Client{Timeout: cfg.LLMTimeout},
		})
	case "anthropic":
		return llm.NewAnthropic(llm.AnthropicOptions{
			APIKey:     cfg.AnthropicAPIKey,
			Model:      cfg.LLMModel,
			HTTPClient: &http.Client{Timeout: cfg.LLMTimeout},
		})
	case "static":
		return llm.NewStatic(), nil
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
}

// BuildImageGenerator selects the illustrator from IMAGE_PROVIDER.
func BuildImageGenerator(cfg *Config) (image.Generator, error) {
	switch cfg.ImageProvider {
	case "replicate":
		return image.NewReplicate(image.ReplicateOptions{
			APIKey:     cfg.ImageAPIKey,
			BaseURL:    cfg.ImageBaseURL,
			HTTPClient: &http.Client{Timeout: cfg.ImageTimeout},
		})
	case "synthetic":
		return image.NewSynthetic(), nil
	default:
		return nil, fmt.Errorf("unknown IMAGE_PROVIDER %q", cfg.ImageProvider)
	}
}

// BuildClassifier selects the content moderator from MODERATION_PROVIDER.
// The llm classifier reuses the story completer.
func BuildClassifier(cfg *Config, completer llm.Completer) (moderation.Classifier, error) {
	switch cfg.ModerationProvider {
	case "llm":
		return moderation.NewLLM(completer), nil
	case "lexicon":
		return moderation.NewLexicon(), nil
	default:
		return nil, fmt.Errorf("unknown MODERATION_PROVIDER %q", cfg.ModerationProvider)
	}
}

// BuildObjectStore selects the asset backend from STORAGE_BACKEND.
func BuildObjectStore(cfg *Config) (storage.ObjectStore, error) {
	switch cfg.StorageBackend {
	case "s3":
		return storage.NewS3Store(storage.S3Options{
			Endpoint:      cfg.S3Endpoint,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			UseSSL:        cfg.S3UseSSL,
			PublicBaseURL: cfg.S3PublicBaseURL,
		})
	case "filesystem":
		return storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
}
