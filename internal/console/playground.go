package console

import (
	"context"

	"luau-runner/internal/playground"
)

// Playground ties an editor and a view to one dispatcher.
type Playground struct {
	Editor *Editor
	View   *View

	dispatcher *playground.Dispatcher
}

func NewPlayground(d *playground.Dispatcher, initial string, color bool) *Playground {
	p := &Playground{
		Editor:     NewEditor(initial),
		View:       NewView(color),
		dispatcher: d,
	}
	p.Editor.Bind(d)
	p.View.Bind(d)
	return p
}

// CanRun reports whether the run trigger is enabled: the runtime is ready
// and nothing is pending.
func (p *Playground) CanRun() bool {
	return p.dispatcher.Ready() && !p.Editor.Locked()
}

// Run submits the editor text and shows the outcome.
func (p *Playground) Run(ctx context.Context) (*playground.Result, error) {
	res, err := p.dispatcher.Submit(ctx, p.Editor.Text())
	p.View.Show(res, err)
	return res, err
}

// Load replaces the editor text with a history entry and clears the view.
func (p *Playground) Load(code string) error {
	if err := p.Editor.Set(code); err != nil {
		return err
	}
	p.View.Reset()
	return nil
}
