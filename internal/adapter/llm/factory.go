package llm

import (
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/webchat/internal/config"
	"github.com/xiaot623/gogo/webchat/internal/logging"
)

// NewLLMClient returns a MockClient in mock mode and a LiteLLM client
// otherwise.
func NewLLMClient(cfg *config.Config, logger *zap.Logger) LLMClient {
	logger = logging.OrNop(logger)
	if cfg.MockMode() {
		logger.Info("GOGO_MODE=MOCK detected, using mock LLM client")
		return NewMockClient()
	}
	return NewClient(cfg.LiteLLMURL, cfg.LiteLLMAPIKey, cfg.LLMTimeout, WithClientLogger(logger.Named("llm")))
}
