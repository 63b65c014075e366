package orchestrator

import "sync"

// Visibility abstracts whether the hosting surface (a browser tab, an
// embedded webview) is in the foreground. A hidden surface must not spend
// resources reconnecting; becoming visible again triggers a resume check.
type Visibility interface {
	Visible() bool
	OnVisible(fn func())
}

// AlwaysVisible is the default for headless hosts: reconnection is never
// suppressed and resume callbacks never fire.
type AlwaysVisible struct{}

func (AlwaysVisible) Visible() bool       { return true }
func (AlwaysVisible) OnVisible(fn func()) {}

// VisibilitySignal is a switchable Visibility for hosts that can report
// foreground changes (and for tests).
type VisibilitySignal struct {
	mu      sync.Mutex
	visible bool
	fns     []func()
}

func NewVisibilitySignal(visible bool) *VisibilitySignal {
	return &VisibilitySignal{visible: visible}
}

func (v *VisibilitySignal) Visible() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible
}

func (v *VisibilitySignal) OnVisible(fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fns = append(v.fns, fn)
}

// SetVisible flips the flag; transitioning to visible runs the registered
// callbacks once, in order.
func (v *VisibilitySignal) SetVisible(visible bool) {
	v.mu.Lock()
	fire := visible && !v.visible
	v.visible = visible
	fns := append([]func(){}, v.fns...)
	v.mu.Unlock()
	if fire {
		for _, fn := range fns {
			fn()
		}
	}
}
