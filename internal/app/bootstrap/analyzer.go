package bootstrap

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/apexrad/radsched/internal/analyzer"
	appconfig "github.com/apexrad/radsched/internal/config"
	"github.com/apexrad/radsched/internal/observability/metrics"
	"github.com/apexrad/radsched/pkg/logging"
)

// BuildAnalyzer wires the order analysis chain: stored prompt templates,
// Bedrock primary, Gemini failover, and the invocation log. Without LLM
// credentials or without a database the analyzer still works; it runs the
// deterministic rules engine only.
func BuildAnalyzer(ctx context.Context, cfg *appconfig.Config, pool analyzer.PgxPool, awsCfg aws.Config, m *metrics.AnalyzerMetrics, logger *logging.Logger) *analyzer.Analyzer {
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var primary analyzer.LLMClient
	if strings.TrimSpace(cfg.BedrockModelID) != "" {
		primary = analyzer.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg))
	}

	var fallback analyzer.LLMClient
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := analyzer.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			logger.Warn("gemini client unavailable", "error", err)
		} else {
			fallback = gemini
		}
	}

	var llm analyzer.LLMClient
	if primary != nil || fallback != nil {
		llm = analyzer.NewFailover(logger, primary, fallback)
	} else {
		logger.Info("no LLM configured, analyzer runs rules only")
	}

	var prompts *analyzer.PromptSelector
	var logs analyzer.AnalysisLogger
	if pool != nil {
		prompts = analyzer.NewPromptSelector(analyzer.NewTemplateStore(pool)).WithTTL(cfg.PromptCacheTTL)
		logs = analyzer.NewLogStore(pool)
	}

	return analyzer.NewAnalyzer(prompts, llm, logs, m, logger).WithTimeout(cfg.AnalyzerTimeout)
}
