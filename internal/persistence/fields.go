package persistence

import "time"

// Accessors used by the typed wrappers to read decoded Record values.

func (r Record) str(key string) string {
	s, _ := r[key].(string)
	return s
}

func (r Record) timestamp(key string) time.Time {
	t, _ := r[key].(time.Time)
	return t
}

func (r Record) timePtr(key string) *time.Time {
	t, ok := r[key].(time.Time)
	if !ok {
		return nil
	}
	return &t
}

func (r Record) int64Ptr(key string) *int64 {
	n, ok := r[key].(int64)
	if !ok {
		return nil
	}
	return &n
}

func (r Record) floatPtr(key string) *float64 {
	f, ok := r[key].(float64)
	if !ok {
		return nil
	}
	return &f
}

func (r Record) doc(key string) map[string]any {
	m, _ := r[key].(map[string]any)
	return m
}

func (r Record) list(key string) []any {
	l, _ := r[key].([]any)
	return l
}

func (r Record) stringList(key string) []string {
	l := r.list(key)
	if l == nil {
		return nil
	}
	out := make([]string, 0, len(l))
	for _, v := range l {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// The set helpers copy optional values into a Record so omitted ones fall back to
// column defaults.
func (r Record) setText(key, v string) {
	if v != "" {
		r[key] = v
	}
}

func (r Record) setTime(key string, t time.Time) {
	if !t.IsZero() {
		r[key] = t
	}
}

func (r Record) setTimePtr(key string, t *time.Time) {
	if t != nil && !t.IsZero() {
		r[key] = *t
	}
}

func (r Record) setDoc(key string, m map[string]any) {
	if m != nil {
		r[key] = m
	}
}
