package liveness

import "sync"

// FocusEvent is a window focus change reported by the presentation shell.
type FocusEvent string

const (
	FocusOut FocusEvent = "focusout"
	Blur     FocusEvent = "blur"
	FocusIn  FocusEvent = "focusin"
)

// Lost reports whether the event means the window lost focus.
func (e FocusEvent) Lost() bool {
	return e == FocusOut || e == Blur
}

// FocusMonitor delivers focus events to subscribers.
type FocusMonitor interface {
	Subscribe(fn func(FocusEvent)) (cancel func())
}

// FocusBroker fans focus events out to every subscriber.
type FocusBroker struct {
	mu   sync.Mutex
	subs map[int]func(FocusEvent)
	next int
}

// NewFocusBroker creates an empty broker.
func NewFocusBroker() *FocusBroker {
	return &FocusBroker{subs: make(map[int]func(FocusEvent))}
}

// Subscribe registers fn until the returned cancel func is called.
func (b *FocusBroker) Subscribe(fn func(FocusEvent)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to all current subscribers.
func (b *FocusBroker) Publish(e FocusEvent) {
	b.mu.Lock()
	fns := make([]func(FocusEvent), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *FocusBroker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
