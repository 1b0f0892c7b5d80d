package fallback

import "context"

// FuncTier adapts a function to the Tier interface.
type FuncTier[In, Out any] struct {
	TierName     string
	IsInfallible bool
	Fn           func(ctx context.Context, in In) (Out, error)
}

func (t FuncTier[In, Out]) Name() string     { return t.TierName }
func (t FuncTier[In, Out]) Infallible() bool { return t.IsInfallible }
func (t FuncTier[In, Out]) Produce(ctx context.Context, in In) (Out, error) {
	return t.Fn(ctx, in)
}

// NewTier returns a fallible tier.
func NewTier[In, Out any](name string, fn func(ctx context.Context, in In) (Out, error)) Tier[In, Out] {
	return FuncTier[In, Out]{TierName: name, Fn: fn}
}

// NewInfallibleTier returns a tier that promises never to fail with
// Transient or Permanent errors.
func NewInfallibleTier[In, Out any](name string, fn func(ctx context.Context, in In) (Out, error)) Tier[In, Out] {
	return FuncTier[In, Out]{TierName: name, IsInfallible: true, Fn: fn}
}
