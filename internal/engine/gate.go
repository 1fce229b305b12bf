package engine

import (
	"strconv"
	"strings"
	"sync/atomic"

	"hwkeysd/internal/catalog"
	"hwkeysd/internal/input"
)

// categoryGate is the enable switch of one category.
type categoryGate struct {
	key          string
	allowDisable bool
	disabled     atomic.Bool
}

func newCategoryGate(cat catalog.Category) *categoryGate {
	return &categoryGate{key: cat.Key, allowDisable: cat.AllowDisable}
}

// apply sets the flag from a stored value. Only the integer 1 disables,
// and only in categories that allow it.
func (g *categoryGate) apply(value string) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	g.disabled.Store(g.allowDisable && err == nil && n == 1)
}

// blocks reports whether ev must be swallowed without reaching its
// classifier. Virtual keyboard events still pass through a disabled
// hardware keys category.
func (g *categoryGate) blocks(ev input.KeyEvent) bool {
	if !g.disabled.Load() {
		return false
	}
	return g.key != catalog.HardwareKeysCategory || !ev.Virtual()
}
