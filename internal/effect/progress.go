package effect

import "context"

// Progress is the checkpoint store of the effect being handled. Handlers with an irreversible
// step record it before waiting on its outcome, so a redelivered request resumes the step instead
// of repeating it.
type Progress interface {
	Load(ctx context.Context) (map[string]string, error)
	Save(ctx context.Context, name, value string) error
}

type progressKey struct{}

// WithProgress attaches p to the context passed to a handler.
func WithProgress(ctx context.Context, p Progress) context.Context {
	return context.WithValue(ctx, progressKey{}, p)
}

// ProgressFrom returns the progress store of ctx, or one that remembers nothing.
func ProgressFrom(ctx context.Context) Progress {
	if p, ok := ctx.Value(progressKey{}).(Progress); ok && p != nil {
		return p
	}
	return noProgress{}
}

type noProgress struct{}

func (noProgress) Load(context.Context) (map[string]string, error) { return nil, nil }

func (noProgress) Save(context.Context, string, string) error { return nil }
