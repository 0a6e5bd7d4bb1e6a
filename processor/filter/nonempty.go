package filter

// NonEmpty drops chunks with no bytes left, which happens when a read
// consisted only of control sequences.
type NonEmpty struct{}

func NewNonEmpty() *NonEmpty {
	return &NonEmpty{}
}

func (f *NonEmpty) Keep(chunk string) bool {
	return chunk != ""
}

func (f *NonEmpty) Name() string {
	return "non-empty"
}

var _ Filter = (*NonEmpty)(nil)
