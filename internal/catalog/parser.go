package catalog

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Parse errors. Any of them aborts the whole catalog; there is no partial
// result.
var (
	ErrMissingAttribute = errors.New("missing required attribute")
	ErrInvalidAttribute = errors.New("invalid attribute value")
	ErrUnexpectedRoot   = errors.New("unexpected root element")
	ErrDuplicate        = errors.New("duplicate entry")
)

// ParseError locates a catalog error in its source document.
type ParseError struct {
	Element string
	Attr    string
	Line    int
	Err     error
}

func (e *ParseError) Error() string {
	if e.Attr == "" {
		return fmt.Sprintf("catalog: line %d: <%s>: %v", e.Line, e.Element, e.Err)
	}
	return fmt.Sprintf("catalog: line %d: <%s %s>: %v", e.Line, e.Element, e.Attr, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Load parses the key catalog and, when gesturesPath is not empty, the
// gesture catalog.
func Load(keysPath, gesturesPath string) (*Catalog, error) {
	f, err := os.Open(keysPath)
	if err != nil {
		return nil, fmt.Errorf("open key catalog: %w", err)
	}
	defer f.Close()

	categories, err := ParseKeys(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", keysPath, err)
	}

	var gestures []Gesture
	if gesturesPath != "" {
		g, err := os.Open(gesturesPath)
		if err != nil {
			return nil, fmt.Errorf("open gesture catalog: %w", err)
		}
		defer g.Close()

		gestures, err = ParseGestures(g)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", gesturesPath, err)
		}
	}

	return New(categories, gestures)
}

// ParseKeys reads a <keys> document of <key-category> and <key> elements.
func ParseKeys(r io.Reader) ([]Category, error) {
	dec := xml.NewDecoder(r)
	if err := expectRoot(dec, "keys"); err != nil {
		return nil, err
	}

	var categories []Category
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read keys: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "key-category" {
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("skip <%s>: %w", t.Name.Local, err)
				}
				continue
			}
			cat, err := parseCategory(dec, t)
			if err != nil {
				return nil, err
			}
			categories = append(categories, cat)
		case xml.EndElement:
			return categories, nil
		}
	}
}

// ParseGestures reads a <touchscreen-gestures> document of <gesture>
// elements.
func ParseGestures(r io.Reader) ([]Gesture, error) {
	dec := xml.NewDecoder(r)
	if err := expectRoot(dec, "touchscreen-gestures"); err != nil {
		return nil, err
	}

	var gestures []Gesture
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read gestures: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "gesture" {
				g, err := parseGesture(dec, t)
				if err != nil {
					return nil, err
				}
				gestures = append(gestures, g)
			}
			if err := dec.Skip(); err != nil {
				return nil, fmt.Errorf("skip <%s>: %w", t.Name.Local, err)
			}
		case xml.EndElement:
			return gestures, nil
		}
	}
}

func expectRoot(dec *xml.Decoder, name string) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("find <%s>: %w", name, err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			if start.Name.Local != name {
				line, _ := dec.InputPos()
				return &ParseError{
					Element: start.Name.Local,
					Line:    line,
					Err:     fmt.Errorf("%w: want <%s>", ErrUnexpectedRoot, name),
				}
			}
			return nil
		}
	}
}

func parseCategory(dec *xml.Decoder, start xml.StartElement) (Category, error) {
	a := newAttrs(dec, start)
	var cat Category
	var err error

	if cat.Name, err = a.required("name"); err != nil {
		return cat, err
	}
	if cat.Key, err = a.required("key"); err != nil {
		return cat, err
	}
	cat.Icon = a.optional("icon")
	if cat.Order, err = a.int("order", DefaultOrder); err != nil {
		return cat, err
	}
	if cat.AllowDisable, err = a.bool("allowDisable", false); err != nil {
		return cat, err
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			return cat, fmt.Errorf("read category %q: %w", cat.Key, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "key" {
				k, err := parseKey(dec, t)
				if err != nil {
					return cat, err
				}
				cat.Keys = append(cat.Keys, k)
			}
			if err := dec.Skip(); err != nil {
				return cat, fmt.Errorf("skip <%s>: %w", t.Name.Local, err)
			}
		case xml.EndElement:
			return cat, nil
		}
	}
}

func parseKey(dec *xml.Decoder, start xml.StartElement) (Key, error) {
	a := newAttrs(dec, start)
	var k Key
	var err error

	if k.Name, err = a.required("name"); err != nil {
		return k, err
	}
	if k.KeyCode, err = a.positive("keyCode"); err != nil {
		return k, err
	}
	k.Path = a.optional("path")
	k.DefaultAction = a.optional("defaultAction")
	k.DefaultDoubleTapAction = a.optional("defaultDoubleTapAction")
	k.DefaultLongPressAction = a.optional("defaultLongPressAction")
	if k.SupportsMultipleActions, err = a.bool("supportsMultipleActions", false); err != nil {
		return k, err
	}
	if k.Order, err = a.int("order", DefaultOrder); err != nil {
		return k, err
	}
	return k, nil
}

func parseGesture(dec *xml.Decoder, start xml.StartElement) (Gesture, error) {
	a := newAttrs(dec, start)
	var g Gesture
	var err error

	if g.ScanCode, err = a.positive("scanCode"); err != nil {
		return g, err
	}
	if g.Name, err = a.required("name"); err != nil {
		return g, err
	}
	g.DefaultAction = a.optional("defaultAction")
	return g, nil
}

// attrs reads attributes by local name so namespaced documents such as
// android:name="..." parse the same as bare ones.
type attrs struct {
	element string
	line    int
	values  map[string]string
}

func newAttrs(dec *xml.Decoder, start xml.StartElement) attrs {
	line, _ := dec.InputPos()
	a := attrs{element: start.Name.Local, line: line, values: make(map[string]string, len(start.Attr))}
	for _, attr := range start.Attr {
		a.values[attr.Name.Local] = attr.Value
	}
	return a
}

func (a attrs) fail(name string, err error) error {
	return &ParseError{Element: a.element, Attr: name, Line: a.line, Err: err}
}

func (a attrs) optional(name string) string {
	return a.values[name]
}

func (a attrs) required(name string) (string, error) {
	v, ok := a.values[name]
	if !ok || v == "" {
		return "", a.fail(name, ErrMissingAttribute)
	}
	return v, nil
}

func (a attrs) int(name string, def int) (int, error) {
	v, ok := a.values[name]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, a.fail(name, fmt.Errorf("%w: %q", ErrInvalidAttribute, v))
	}
	return n, nil
}

func (a attrs) positive(name string) (int, error) {
	if _, err := a.required(name); err != nil {
		return 0, err
	}
	n, err := a.int(name, 0)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, a.fail(name, fmt.Errorf("%w: %d is not positive", ErrInvalidAttribute, n))
	}
	return n, nil
}

func (a attrs) bool(name string, def bool) (bool, error) {
	v, ok := a.values[name]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, a.fail(name, fmt.Errorf("%w: %q", ErrInvalidAttribute, v))
	}
	return b, nil
}
