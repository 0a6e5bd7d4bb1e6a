package transformer

type Transformer interface {
	Transform(chunk string) string

	Name() string
}
