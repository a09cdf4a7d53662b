// Package env provides the environment signals that drive revalidation:
// whether the application is visible and online, and notifications when it
// regains focus or reconnects to the network.
package env

import "sync"

// Environment is consulted before revalidating, and delivers focus and
// reconnect events.
type Environment interface {
	// IsOnline returns true if the network is available.
	IsOnline() bool
	// IsVisible returns true if the application is visible to the user.
	IsVisible() bool
	// OnFocus registers fn to be called when the application regains focus.
	// Calling the returned function removes the registration.
	OnFocus(fn func()) (cancel func())
	// OnReconnect registers fn to be called when the network reconnects.
	// Calling the returned function removes the registration.
	OnReconnect(fn func()) (cancel func())
}

// Static is an environment that is always online and visible and never
// generates events. Use it where there is no interactive user, such as in a
// long-running service.
type Static struct{}

var _ Environment = Static{}

func (Static) IsOnline() bool { return true }
func (Static) IsVisible() bool { return true }
func (Static) OnFocus(func()) func() { return func() {} }
func (Static) OnReconnect(func()) func() { return func() {} }

// Manual is an environment whose state and events are driven by the
// application, for example from window-system callbacks or a network monitor.
// The zero value is not usable; create one with NewManual.
type Manual struct {
	mutex   sync.Mutex
	online  bool
	visible bool
	next    int
	focus   map[int]func()
	connect map[int]func()
}

var _ Environment = (*Manual)(nil)

// NewManual creates a Manual environment that starts online and visible.
func NewManual() *Manual {
	return &Manual{
		online:  true,
		visible: true,
		focus:   make(map[int]func()),
		connect: make(map[int]func()),
	}
}

func (m *Manual) IsOnline() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.online
}

func (m *Manual) IsVisible() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.visible
}

func (m *Manual) OnFocus(fn func()) func() {
	return m.register(m.focus, fn)
}

func (m *Manual) OnReconnect(fn func()) func() {
	return m.register(m.connect, fn)
}

func (m *Manual) register(fns map[int]func(), fn func()) func() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.next++
	id := m.next
	fns[id] = fn
	return func() {
		m.mutex.Lock()
		delete(fns, id)
		m.mutex.Unlock()
	}
}

// SetOnline sets the online state. Going from offline to online delivers a
// reconnect event.
func (m *Manual) SetOnline(online bool) {
	m.mutex.Lock()
	was := m.online
	m.online = online
	m.mutex.Unlock()

	if online && !was {
		m.Reconnect()
	}
}

// SetVisible sets the visibility state. Becoming visible delivers a focus
// event.
func (m *Manual) SetVisible(visible bool) {
	m.mutex.Lock()
	was := m.visible
	m.visible = visible
	m.mutex.Unlock()

	if visible && !was {
		m.Focus()
	}
}

// Focus delivers a focus event to every registered function.
func (m *Manual) Focus() {
	for _, fn := range m.snapshot(m.focus) {
		fn()
	}
}

// Reconnect delivers a reconnect event to every registered function.
func (m *Manual) Reconnect() {
	for _, fn := range m.snapshot(m.connect) {
		fn()
	}
}

func (m *Manual) snapshot(fns map[int]func()) []func() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]func(), 0, len(fns))
	for _, fn := range fns {
		out = append(out, fn)
	}
	return out
}
