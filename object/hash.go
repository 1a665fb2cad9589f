package object

import "strconv"

// HashValue is a field/value map, backing HSET/HGET/HDEL/HGETALL.
type HashValue struct {
	fields map[string][]byte
}

func NewHash() *HashValue { return &HashValue{fields: make(map[string][]byte)} }

func (h *HashValue) Set(field string, val []byte) bool {
	_, existed := h.fields[field]
	h.fields[field] = val
	return !existed
}

func (h *HashValue) Get(field string) ([]byte, bool) {
	v, ok := h.fields[field]
	return v, ok
}

func (h *HashValue) Del(field string) bool {
	if _, ok := h.fields[field]; !ok {
		return false
	}
	delete(h.fields, field)
	return true
}

func (h *HashValue) Has(field string) bool {
	_, ok := h.fields[field]
	return ok
}

func (h *HashValue) Len() int { return len(h.fields) }

// All returns the field/value pairs in an unspecified order, as HGETALL
// flattens them onto the wire.
func (h *HashValue) All() [][2][]byte {
	out := make([][2][]byte, 0, len(h.fields))
	for f, v := range h.fields {
		out = append(out, [2][]byte{[]byte(f), v})
	}
	return out
}

// IncrBy adds delta to the integer value of field, creating it at 0 first
// if absent. Returns an error if the existing value isn't a valid integer.
func (h *HashValue) IncrBy(field string, delta int64) (int64, error) {
	cur := int64(0)
	if v, ok := h.fields[field]; ok {
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return 0, errNotInteger
		}
		cur = n
	}
	cur += delta
	h.fields[field] = []byte(strconv.FormatInt(cur, 10))
	return cur, nil
}
