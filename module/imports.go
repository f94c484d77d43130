package module

import "context"

// Imports are the host functions a module instance calls into. Each
// instance carries its own imports; unset functions are ignored.
type Imports struct {
	NoteDown func(note int)
	NoteUp   func(note int)
	Callback func(id int)
	LogErr   func(msg string)
}

type importsKey struct{}

// WithImports returns context that carries imports of a module instance.
func WithImports(ctx context.Context, im Imports) context.Context {
	return context.WithValue(ctx, importsKey{}, im)
}

// ImportsFromContext returns imports of the instance that issued the call.
func ImportsFromContext(ctx context.Context) (Imports, bool) {
	im, ok := ctx.Value(importsKey{}).(Imports)
	return im, ok
}

func noteDown(ctx context.Context, note int32) {
	if im, ok := ImportsFromContext(ctx); ok && im.NoteDown != nil {
		im.NoteDown(int(note))
	}
}

func noteUp(ctx context.Context, note int32) {
	if im, ok := ImportsFromContext(ctx); ok && im.NoteUp != nil {
		im.NoteUp(int(note))
	}
}

func runCallback(ctx context.Context, id int32) {
	if im, ok := ImportsFromContext(ctx); ok && im.Callback != nil {
		im.Callback(int(id))
	}
}
