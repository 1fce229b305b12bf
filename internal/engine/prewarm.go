package engine

import "hwkeysd/internal/action"

// prewarm issues a Preload for the first pre-warmable action among the
// candidates unless a preload is already outstanding.
func (e *Engine) prewarm(candidates ...string) {
	set := e.prewarmSet.Load()
	a, ok := set.First(candidates...)
	if !ok {
		return
	}

	e.prewarmMu.Lock()
	defer e.prewarmMu.Unlock()
	if e.prewarmed != "" {
		return
	}
	e.prewarmed = a
	if err := e.prewarmer.Preload(e.ctx, a); err != nil {
		e.logger.Debug("preload failed", "action", a, "error", err)
	}
}

// finishPrewarm settles an outstanding preload once a press cycle ends with
// fired (action.Null when nothing fired). A preload for any other action
// is cancelled; a preload for fired is left to the action itself.
func (e *Engine) finishPrewarm(fired string) {
	e.prewarmMu.Lock()
	defer e.prewarmMu.Unlock()

	p := e.prewarmed
	if p == "" {
		return
	}
	e.prewarmed = ""
	if p == fired {
		return
	}
	if err := e.prewarmer.CancelPreload(e.ctx, p); err != nil {
		e.logger.Debug("cancel preload failed", "action", p, "error", err)
	}
}

// SetPrewarm replaces the set of pre-warmable actions.
func (e *Engine) SetPrewarm(set *action.PrewarmSet) {
	if set == nil {
		set = action.NewPrewarmSet()
	}
	e.prewarmSet.Store(set)
}

// Prewarm returns the current pre-warmable actions.
func (e *Engine) Prewarm() *action.PrewarmSet {
	return e.prewarmSet.Load()
}
