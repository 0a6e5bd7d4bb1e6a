package processor

import (
	"sync"

	"github.com/web3tea/dvm-relay/processor/filter"
	"github.com/web3tea/dvm-relay/processor/transformer"
)

// ProcessorChain runs every transformer in order, then every filter on
// the transformed chunk.
type ProcessorChain struct {
	filters      []filter.Filter
	transformers []transformer.Transformer
	lk           sync.RWMutex
}

func NewProcessorChain() Processor {
	return &ProcessorChain{
		filters:      make([]filter.Filter, 0),
		transformers: make([]transformer.Transformer, 0),
	}
}

// NewDefaultChain strips terminal control sequences and drops chunks
// left empty by that.
func NewDefaultChain() Processor {
	pc := NewProcessorChain()
	pc.AddTransformer(transformer.NewSanitizer())
	pc.AddFilter(filter.NewNonEmpty())
	return pc
}

func (pc *ProcessorChain) Process(chunk string) (string, bool) {
	pc.lk.RLock()
	defer pc.lk.RUnlock()

	current := chunk
	for _, t := range pc.transformers {
		current = t.Transform(current)
	}
	for _, f := range pc.filters {
		if !f.Keep(current) {
			return "", false
		}
	}
	return current, true
}

func (pc *ProcessorChain) AddFilter(f filter.Filter) {
	pc.lk.Lock()
	defer pc.lk.Unlock()

	pc.filters = append(pc.filters, f)
}

func (pc *ProcessorChain) AddTransformer(t transformer.Transformer) {
	pc.lk.Lock()
	defer pc.lk.Unlock()

	pc.transformers = append(pc.transformers, t)
}
