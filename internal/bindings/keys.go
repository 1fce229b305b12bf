// Package bindings defines the action binding store: a flat name/value
// table mapping keys, gestures and category toggles to action strings.
package bindings

import (
	"strconv"
	"strings"
)

// HapticFeedbackEnabled toggles haptic feedback; "1" means on.
const HapticFeedbackEnabled = "haptic_feedback_enabled"

const (
	tapSuffix       = "_action"
	doubleTapSuffix = "_double_tap_action"
	longPressSuffix = "_long_press_action"
	disabledSuffix  = "_disabled"
	gesturePrefix   = "gesture_"
)

// TapKey names the tap binding of a key.
func TapKey(name string) string { return name + tapSuffix }

// DoubleTapKey names the double-tap binding of a key.
func DoubleTapKey(name string) string { return name + doubleTapSuffix }

// LongPressKey names the long-press binding of a key.
func LongPressKey(name string) string { return name + longPressSuffix }

// DisabledKey names the disable toggle of a category.
func DisabledKey(category string) string { return category + disabledSuffix }

// GestureKey names the binding of a screen-off gesture.
func GestureKey(scanCode int) string { return gesturePrefix + strconv.Itoa(scanCode) }

// Kind classifies a binding key.
type Kind int

const (
	KindUnknown Kind = iota
	KindTap
	KindDoubleTap
	KindLongPress
	KindDisabled
	KindGesture
	KindSetting
)

func (k Kind) String() string {
	switch k {
	case KindTap:
		return "tap"
	case KindDoubleTap:
		return "double_tap"
	case KindLongPress:
		return "long_press"
	case KindDisabled:
		return "disabled"
	case KindGesture:
		return "gesture"
	case KindSetting:
		return "setting"
	default:
		return "unknown"
	}
}

// ParseKey splits a binding key into its kind and subject: the key name,
// category key or scan code it refers to.
func ParseKey(key string) (Kind, string) {
	switch {
	case key == HapticFeedbackEnabled:
		return KindSetting, key
	case strings.HasPrefix(key, gesturePrefix):
		scan := strings.TrimPrefix(key, gesturePrefix)
		if n, err := strconv.Atoi(scan); err == nil && n > 0 {
			return KindGesture, scan
		}
	// The tap suffix is a suffix of the other two, so it goes last.
	case strings.HasSuffix(key, doubleTapSuffix):
		return KindDoubleTap, strings.TrimSuffix(key, doubleTapSuffix)
	case strings.HasSuffix(key, longPressSuffix):
		return KindLongPress, strings.TrimSuffix(key, longPressSuffix)
	case strings.HasSuffix(key, tapSuffix):
		return KindTap, strings.TrimSuffix(key, tapSuffix)
	case strings.HasSuffix(key, disabledSuffix):
		return KindDisabled, strings.TrimSuffix(key, disabledSuffix)
	}
	return KindUnknown, key
}
