// Package catalog describes which physical keys and screen-off gestures
// exist on the device. A Catalog is parsed once at startup and never
// mutated afterwards.
package catalog

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	evdev "github.com/holoplot/go-evdev"
)

// HardwareKeysCategory is the category whose keys keep working for
// virtual-keyboard events even while the category is disabled.
const HardwareKeysCategory = "hw_keys"

// DefaultOrder sorts entries without an order attribute after every
// ordered one.
const DefaultOrder = math.MaxInt32

// Key is one physical key.
type Key struct {
	Name                    string
	Path                    string
	DefaultAction           string
	DefaultDoubleTapAction  string
	DefaultLongPressAction  string
	KeyCode                 int
	SupportsMultipleActions bool
	Order                   int
	Category                string
}

// BindingName is the prefix of the key's binding store entries.
func (k Key) BindingName() string {
	if k.Path != "" {
		return k.Path
	}
	return KeyName(k.KeyCode)
}

// KeyName returns the lower-cased kernel name of an EV_KEY code, for
// example "key_home" for 102.
func KeyName(code int) string {
	name := evdev.CodeName(evdev.EV_KEY, evdev.EvCode(code))
	if strings.HasPrefix(name, "KEY_") || strings.HasPrefix(name, "BTN_") {
		return strings.ToLower(name)
	}
	return fmt.Sprintf("key_%d", code)
}

// Category groups keys that can be disabled together.
type Category struct {
	Key          string
	Name         string
	Icon         string
	Order        int
	AllowDisable bool
	Keys         []Key
}

// Gesture is a screen-off touchscreen gesture reported as a scan code.
type Gesture struct {
	ScanCode      int
	Name          string
	DefaultAction string
}

// Catalog is the immutable key and gesture description.
type Catalog struct {
	categories []Category
	byCode     map[int]Key
	gestures   map[int]Gesture
}

// New builds a catalog with categories and their keys stably sorted by
// Order. Two keys sharing a key code or a binding name, and two gestures
// sharing a scan code, are rejected.
func New(categories []Category, gestures []Gesture) (*Catalog, error) {
	c := &Catalog{
		byCode:   make(map[int]Key),
		gestures: make(map[int]Gesture),
	}
	seenCategory := make(map[string]bool)
	seenBinding := make(map[string]int)
	for _, cat := range categories {
		if seenCategory[cat.Key] {
			return nil, fmt.Errorf("%w: category %q", ErrDuplicate, cat.Key)
		}
		seenCategory[cat.Key] = true

		keys := make([]Key, len(cat.Keys))
		for i, k := range cat.Keys {
			k.Category = cat.Key
			if _, dup := c.byCode[k.KeyCode]; dup {
				return nil, fmt.Errorf("%w: key code %d", ErrDuplicate, k.KeyCode)
			}
			name := k.BindingName()
			if other, dup := seenBinding[name]; dup {
				return nil, fmt.Errorf("%w: binding name %q used by key codes %d and %d", ErrDuplicate, name, other, k.KeyCode)
			}
			seenBinding[name] = k.KeyCode
			c.byCode[k.KeyCode] = k
			keys[i] = k
		}
		slices.SortStableFunc(keys, func(a, b Key) int { return cmp.Compare(a.Order, b.Order) })
		cat.Keys = keys
		c.categories = append(c.categories, cat)
	}
	slices.SortStableFunc(c.categories, func(a, b Category) int { return cmp.Compare(a.Order, b.Order) })
	for _, g := range gestures {
		if _, dup := c.gestures[g.ScanCode]; dup {
			return nil, fmt.Errorf("%w: gesture scan code %d", ErrDuplicate, g.ScanCode)
		}
		c.gestures[g.ScanCode] = g
	}
	return c, nil
}

// Categories returns the categories and their keys sorted by Order,
// ties in document order.
func (c *Catalog) Categories() []Category {
	out := make([]Category, len(c.categories))
	for i, cat := range c.categories {
		cat.Keys = append([]Key(nil), cat.Keys...)
		out[i] = cat
	}
	return out
}

// Category looks up a category by key.
func (c *Catalog) Category(key string) (Category, bool) {
	for _, cat := range c.categories {
		if cat.Key == key {
			cat.Keys = append([]Key(nil), cat.Keys...)
			return cat, true
		}
	}
	return Category{}, false
}

// KeyByCode looks up a key by its key code.
func (c *Catalog) KeyByCode(code int) (Key, bool) {
	k, ok := c.byCode[code]
	return k, ok
}

// KeyCodes returns every catalogued key code in ascending order.
func (c *Catalog) KeyCodes() []int {
	codes := make([]int, 0, len(c.byCode))
	for code := range c.byCode {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	return codes
}

// Gesture looks up a gesture by scan code.
func (c *Catalog) Gesture(scanCode int) (Gesture, bool) {
	g, ok := c.gestures[scanCode]
	return g, ok
}

// Gestures returns every gesture ordered by scan code.
func (c *Catalog) Gestures() []Gesture {
	out := make([]Gesture, 0, len(c.gestures))
	for _, g := range c.gestures {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScanCode < out[j].ScanCode })
	return out
}
