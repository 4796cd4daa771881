package changes

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// FieldDelta is one entry of a flat diff: the old and new value at a
// dotted key.
type FieldDelta struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// GetDiff flattens the differences between two snapshots into a map
// keyed by dotted paths with bracketed sequence indices, e.g.
// "tags[1]" or "profile.name".
func (d *Detector) GetDiff(oldData, newData interface{}) map[string]FieldDelta {
	cs := ChangeSet{Timestamp: d.now()}
	w := walker{
		opts:    d.opts,
		seenOld: map[uintptr]struct{}{},
		seenNew: map[uintptr]struct{}{},
	}
	// GetDiff reports positional differences, so sequences always diff
	// by index here.
	w.opts.DeepCompare = true
	w.walk(oldData, newData, []interface{}{}, &cs)

	out := make(map[string]FieldDelta)
	for _, c := range cs.Modified {
		out[FormatPath(c.Path)] = FieldDelta{Old: c.Old, New: c.New}
	}
	for _, c := range cs.Added {
		out[FormatPath(c.Path)] = FieldDelta{New: c.Value}
	}
	for _, c := range cs.Removed {
		out[FormatPath(c.Path)] = FieldDelta{Old: c.Value}
	}
	return out
}

// FormatPath renders a change path as a dotted key with bracketed
// indices.
func FormatPath(path []interface{}) string {
	var b strings.Builder
	for _, elem := range path {
		switch v := elem.(type) {
		case int:
			fmt.Fprintf(&b, "[%d]", v)
		default:
			if b.Len() > 0 {
				b.WriteByte('.')
			}
			fmt.Fprintf(&b, "%v", v)
		}
	}
	return b.String()
}

// DiffString renders a human-readable diff between two snapshots. Both
// values are serialized to JSON and compared structurally; non-object
// roots are wrapped so the differ always sees objects.
func DiffString(oldData, newData interface{}) (string, error) {
	oldJSON, err := json.Marshal(wrapForDiff(oldData))
	if err != nil {
		return "", err
	}
	newJSON, err := json.Marshal(wrapForDiff(newData))
	if err != nil {
		return "", err
	}

	differ := gojsondiff.New()
	d, err := differ.Compare(oldJSON, newJSON)
	if err != nil {
		return "", err
	}
	if !d.Modified() {
		return "", nil
	}

	var leftObject map[string]interface{}
	if err := json.Unmarshal(oldJSON, &leftObject); err != nil {
		return "", err
	}
	f := formatter.NewAsciiFormatter(leftObject, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
	})
	return f.Format(d)
}

func wrapForDiff(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"value": v}
}
