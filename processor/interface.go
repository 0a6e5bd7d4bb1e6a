package processor

import (
	"github.com/web3tea/dvm-relay/processor/filter"
	"github.com/web3tea/dvm-relay/processor/transformer"
)

// ChunkProcessor turns a raw chunk read from the process into the text
// handed to sinks. ok is false when the chunk should be dropped.
type ChunkProcessor interface {
	Process(chunk string) (out string, ok bool)
}

type ProcessorComposite interface {
	AddFilter(f filter.Filter)
	AddTransformer(t transformer.Transformer)
}

type Processor interface {
	ChunkProcessor
	ProcessorComposite
}
