package analyzer

import (
	"context"

	"github.com/apexrad/radsched/pkg/logging"
)

// Failover walks a list of LLM providers in priority order and returns the
// first usable completion. The deterministic rules engine sits below every
// provider; this only widens the window in which LLM analysis is available.
type Failover struct {
	clients []LLMClient
	logger  *logging.Logger
}

var _ LLMClient = (*Failover)(nil)

// NewFailover chains providers in priority order, skipping nil entries so
// callers can pass optional clients straight through.
func NewFailover(logger *logging.Logger, clients ...LLMClient) *Failover {
	if logger == nil {
		logger = logging.Default()
	}
	chain := make([]LLMClient, 0, len(clients))
	for _, c := range clients {
		if c != nil {
			chain = append(chain, c)
		}
	}
	if len(chain) == 0 {
		panic("analyzer: failover requires at least one client")
	}
	return &Failover{clients: chain, logger: logger}
}

// Complete tries each provider until one answers. A dead context stops the
// walk; the remaining providers would only re-observe the same deadline.
func (f *Failover) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	var lastErr error
	for i, client := range f.clients {
		res, err := client.Complete(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.Info("llm failover recovered", "attempt", i+1)
			}
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i < len(f.clients)-1 {
			f.logger.Warn("llm provider failed, trying next", "attempt", i+1, "error", err)
		}
	}
	f.logger.Error("llm providers exhausted", "providers", len(f.clients), "error", lastErr)
	return CompletionResult{}, lastErr
}
