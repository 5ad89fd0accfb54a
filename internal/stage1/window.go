package stage1

import "fmt"

// Window bounds the part of the sequence kept in the key/value cache. The
// retained context leaves room for one segment of new tokens plus a forced
// EOA.
type Window struct {
	Capacity     int
	MaxNewTokens int
	MaxContext   int
}

func NewWindow(capacity, maxNewTokens int) (Window, error) {
	if maxNewTokens < 1 {
		return Window{}, fmt.Errorf("max_new_tokens must be positive, got %d", maxNewTokens)
	}
	maxContext := capacity - maxNewTokens - 1
	if maxContext < 1 {
		return Window{}, fmt.Errorf(
			"cache size %d leaves no context for max_new_tokens %d",
			capacity,
			maxNewTokens,
		)
	}
	return Window{Capacity: capacity, MaxNewTokens: maxNewTokens, MaxContext: maxContext}, nil
}

// Plan says which suffix of the sequence to forward. When Rebuild is set
// the cache must be reset first.
type Plan struct {
	Rebuild bool
	Start   int
	Forward int
}

// Plan decides how to bring the cache in line with a sequence of seqLen
// tokens whose last newLen tokens have not been forwarded yet.
func (w Window) Plan(seqLen, cacheLen, newLen int) Plan {
	switch {
	case seqLen > w.MaxContext:
		return Plan{Rebuild: true, Start: seqLen - w.MaxContext, Forward: w.MaxContext}
	case cacheLen+newLen != seqLen:
		return Plan{Rebuild: true, Start: 0, Forward: seqLen}
	default:
		return Plan{Start: seqLen - newLen, Forward: newLen}
	}
}
