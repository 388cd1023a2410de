// Package analyzer turns a raw imaging order into scheduling facts:
// appointment length, contrast protocol, equipment needs, and patient
// instructions. The primary path interpolates a stored prompt template and
// asks an LLM; every invocation is logged, and any failure on that path
// drops to a deterministic rules engine that cannot fail.
package analyzer

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/apexrad/radsched/internal/clinical"
	"github.com/apexrad/radsched/internal/observability/metrics"
	"github.com/apexrad/radsched/internal/orders"
	"github.com/apexrad/radsched/pkg/logging"
)

var tracer = otel.Tracer("radsched.internal.analyzer")

// Analysis engines.
const (
	EngineLLM   = "llm"
	EngineRules = "rules"
)

// defaultPromptPrefix selects order-analysis templates.
const defaultPromptPrefix = "order_analysis"

// defaultLLMTimeout bounds one completion, both legs of the fallback chain
// included.
const defaultLLMTimeout = 20 * time.Second

// completionSystem pins the output contract for every provider. Templates
// carry the domain prompt; this keeps the response parseable regardless of
// which template or model is active.
const completionSystem = "You are a radiology scheduling analyst. Respond with a single JSON object and no surrounding prose."

// Analysis is what scheduling needs to know about one order.
type Analysis struct {
	TotalDurationMinutes int      `json:"total_duration_min"`
	PrepMinutes          int      `json:"prep_time_min"`
	ScanMinutes          int      `json:"scan_time_min"`
	ContrastRequired     bool     `json:"contrast_required"`
	ContrastType         string   `json:"contrast_type"`
	EquipmentNeeds       []string `json:"equipment_needs,omitempty"`
	PatientInstructions  string   `json:"patient_instructions,omitempty"`
	SchedulingNotes      string   `json:"scheduling_notes,omitempty"`

	Engine          string `json:"engine"`
	FallbackToRules bool   `json:"fallback_to_rules,omitempty"`
	PromptID        string `json:"prompt_id,omitempty"`
	PromptKey       string `json:"prompt_key,omitempty"`
	Model           string `json:"model,omitempty"`
}

// AnalysisLogger records one row per invocation.
type AnalysisLogger interface {
	Record(ctx context.Context, rec *AnalysisRecord) error
}

// Analyzer runs the LLM path with the rules engine underneath.
type Analyzer struct {
	prompts      *PromptSelector
	llm          LLMClient
	logs         AnalysisLogger
	metrics      *metrics.AnalyzerMetrics
	logger       *logging.Logger
	promptPrefix string
	timeout      time.Duration
	now          func() time.Time
}

// NewAnalyzer wires the pipeline. A nil llm or prompts produces a
// rules-only analyzer, which dev and test environments run deliberately.
func NewAnalyzer(prompts *PromptSelector, llm LLMClient, logs AnalysisLogger, m *metrics.AnalyzerMetrics, logger *logging.Logger) *Analyzer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Analyzer{
		prompts:      prompts,
		llm:          llm,
		logs:         logs,
		metrics:      m,
		logger:       logger,
		promptPrefix: defaultPromptPrefix,
		timeout:      defaultLLMTimeout,
		now:          time.Now,
	}
}

// WithPromptPrefix overrides the template key prefix.
func (a *Analyzer) WithPromptPrefix(prefix string) *Analyzer {
	if prefix != "" {
		a.promptPrefix = prefix
	}
	return a
}

// WithTimeout overrides the completion deadline.
func (a *Analyzer) WithTimeout(timeout time.Duration) *Analyzer {
	if timeout > 0 {
		a.timeout = timeout
	}
	return a
}

// Analyze produces an Analysis for one order. It never returns an error:
// the LLM path may fail for any number of reasons (no template, provider
// outage, malformed output) and every one of them lands on the rules
// engine with FallbackToRules set. cptOverrides carries tenant-configured
// durations keyed by CPT code.
func (a *Analyzer) Analyze(ctx context.Context, tenantID, sessionID string, order orders.Order, patient *clinical.PatientContext, cptOverrides map[string]int) *Analysis {
	ctx, span := tracer.Start(ctx, "analyzer.analyze")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("order.modality", order.Modality),
	)

	if a.llm == nil || a.prompts == nil {
		result := Rules(order, patient, nil, cptOverrides)
		a.observe(EngineRules, "no_llm", 0)
		return result
	}

	input := promptData(order, patient)
	inputJSON, _ := json.Marshal(input)

	start := a.now()
	result, rec, err := a.analyzeLLM(ctx, order, input)
	latency := a.now().Sub(start)

	rec.TenantID = tenantID
	rec.SessionID = sessionID
	rec.Input = inputJSON
	rec.LatencyMS = latency.Milliseconds()

	if err != nil {
		rec.Success = false
		rec.ErrorMessage = err.Error()
		a.writeLog(ctx, rec)
		a.observe(EngineLLM, "error", latency.Seconds())
		a.logger.Warn("llm analysis failed, using rules engine",
			"error", err,
			"tenant_id", tenantID,
			"modality", order.Modality,
		)

		result = Rules(order, patient, nil, cptOverrides)
		result.FallbackToRules = true
		a.observe(EngineRules, "fallback", 0)
		return result
	}

	rec.Success = true
	a.writeLog(ctx, rec)
	a.observe(EngineLLM, "ok", latency.Seconds())
	return result
}

// analyzeLLM runs prompt selection, completion, and parsing. The returned
// record is partially filled either way so the caller can finish and
// persist it.
func (a *Analyzer) analyzeLLM(ctx context.Context, order orders.Order, input map[string]any) (*Analysis, *AnalysisRecord, error) {
	rec := &AnalysisRecord{}

	tpl, err := a.prompts.Select(ctx, a.promptPrefix)
	if err != nil {
		return nil, rec, err
	}
	rec.PromptID = tpl.ID
	rec.PromptKey = tpl.Key
	rec.Model = tpl.Model

	prompt := Interpolate(tpl.Text, input)

	llmCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.llm.Complete(llmCtx, CompletionRequest{
		Model:       tpl.Model,
		System:      completionSystem,
		Prompt:      prompt,
		MaxTokens:   tpl.MaxTokens,
		Temperature: 0,
	})
	if err != nil {
		return nil, rec, err
	}
	rec.PromptTokens = resp.Usage.InputTokens
	rec.CompletionTokens = resp.Usage.OutputTokens

	parsed, err := parseLLMAnalysis(resp.Text)
	if err != nil {
		return nil, rec, err
	}

	result := &Analysis{
		TotalDurationMinutes: parsed.TotalDurationMinutes,
		PrepMinutes:          parsed.PrepMinutes,
		ScanMinutes:          parsed.ScanMinutes,
		ContrastRequired:     parsed.ContrastRequired,
		ContrastType:         parsed.ContrastType,
		EquipmentNeeds:       parsed.EquipmentNeeds,
		PatientInstructions:  parsed.PatientInstructions,
		SchedulingNotes:      parsed.SchedulingNotes,
		Engine:               EngineLLM,
		PromptID:             tpl.ID,
		PromptKey:            tpl.Key,
		Model:                tpl.Model,
	}

	out, _ := json.Marshal(parsed)
	rec.Output = out
	return result, rec, nil
}

func (a *Analyzer) writeLog(ctx context.Context, rec *AnalysisRecord) {
	if a.logs == nil {
		return
	}
	if err := a.logs.Record(ctx, rec); err != nil {
		a.logger.Error("analysis log write failed",
			"error", err,
			"tenant_id", rec.TenantID,
			"prompt_key", rec.PromptKey,
		)
	}
}

func (a *Analyzer) observe(engine, status string, seconds float64) {
	if a.metrics != nil {
		a.metrics.ObserveRun(engine, status, seconds)
	}
}

// promptData builds the interpolation inputs. Only de-identified factors
// cross this boundary; the prompt never sees names, phones, or MRNs.
func promptData(order orders.Order, patient *clinical.PatientContext) map[string]any {
	data := map[string]any{
		"order_description": order.Description,
		"modality":          order.Modality,
	}
	if order.CPTCode != "" {
		data["cpt_code"] = order.CPTCode
	}
	if order.Priority != "" {
		data["priority"] = order.Priority
	}
	if order.ClinicalIndication != "" {
		data["clinical_indication"] = order.ClinicalIndication
	}
	if patient != nil {
		f := patient.Factors()
		if f.Age > 0 {
			data["patient_age"] = f.Age
		}
		if f.WeightKg > 0 {
			data["patient_weight_kg"] = f.WeightKg
		}
		data["claustrophobic"] = f.Claustrophobic
		data["mobility_impaired"] = f.MobilityImpaired
		data["bariatric"] = f.Bariatric
	}
	return data
}
