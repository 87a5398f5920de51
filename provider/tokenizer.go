package provider

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator estimates token counts for providers whose responses omit usage.
// It wraps tiktoken lazily; when the encoding cannot be initialized it falls
// back to a bytes/4 approximation so usage accounting stays best-effort
// rather than failing the run.
type Estimator struct {
	model   string
	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewEstimator creates an estimator for a model name. Unknown models use the
// cl100k_base encoding. Initialization is deferred to first use.
func NewEstimator(model string) *Estimator {
	return &Estimator{model: model}
}

func (e *Estimator) init() {
	e.once.Do(func() {
		if e.model != "" {
			if enc, err := tiktoken.EncodingForModel(e.model); err == nil {
				e.enc = enc
				return
			}
		}
		e.enc, e.initErr = tiktoken.GetEncoding("cl100k_base")
	})
}

// Count returns the token count for text, approximating when the encoder is
// unavailable.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	e.init()
	if e.initErr != nil || e.enc == nil {
		return approxTokens(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}

// EstimateUsage fills in usage for a prompt/completion pair.
func (e *Estimator) EstimateUsage(prompt, completion string) Usage {
	p := e.Count(prompt)
	c := e.Count(completion)
	return Usage{
		PromptTokens:     p,
		CompletionTokens: c,
		TotalTokens:      p + c,
		Estimated:        true,
	}
}

// approxTokens is the usual 4-bytes-per-token rule of thumb.
func approxTokens(text string) int {
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
