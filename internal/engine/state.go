package engine

// ButtonState is a point-in-time view of one classifier.
type ButtonState struct {
	Name             string `json:"name"`
	KeyCode          int    `json:"key_code"`
	Category         string `json:"category"`
	Multi            bool   `json:"multi"`
	Tap              string `json:"tap"`
	DoubleTap        string `json:"double_tap,omitempty"`
	LongPress        string `json:"long_press,omitempty"`
	Pressed          bool   `json:"pressed,omitempty"`
	Consumed         bool   `json:"consumed,omitempty"`
	DoubleTapPending bool   `json:"double_tap_pending,omitempty"`
}

// CategoryState is a point-in-time view of one category gate.
type CategoryState struct {
	Key          string `json:"key"`
	AllowDisable bool   `json:"allow_disable"`
	Disabled     bool   `json:"disabled"`
}

// State is a point-in-time view of the engine.
type State struct {
	Categories       []CategoryState `json:"categories"`
	Buttons          []ButtonState   `json:"buttons"`
	DoubleTapTimeout string          `json:"double_tap_timeout"`
	Prewarm          []string        `json:"prewarm"`
	Prewarmed        string          `json:"prewarmed,omitempty"`
}

// State returns the engine state in catalog order.
func (e *Engine) State() State {
	s := State{
		DoubleTapTimeout: e.DoubleTapTimeout().String(),
		Prewarm:          e.prewarmSet.Load().Actions(),
	}
	for _, cat := range e.catalog.Categories() {
		g := e.gates[cat.Key]
		s.Categories = append(s.Categories, CategoryState{
			Key:          g.key,
			AllowDisable: g.allowDisable,
			Disabled:     g.disabled.Load(),
		})
	}
	for _, code := range e.order {
		s.Buttons = append(s.Buttons, e.buttons[code].state())
	}

	e.prewarmMu.Lock()
	s.Prewarmed = e.prewarmed
	e.prewarmMu.Unlock()
	return s
}
