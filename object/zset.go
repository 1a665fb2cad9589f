package object

import "sort"

// ZSetValue is a set of members each carrying a float64 score, ordered by
// score then lexicographically by member, backing ZADD/ZRANGE/ZRANK. A
// sorted slice plus a score index keeps the implementation honest about
// its actual complexity (O(N) insert) rather than pretending to a
// skiplist it doesn't have.
type ZSetValue struct {
	scores map[string]float64
	order  []string // kept sorted by (score, member)
}

func NewZSet() *ZSetValue {
	return &ZSetValue{scores: make(map[string]float64)}
}

func (z *ZSetValue) less(a, b string) bool {
	sa, sb := z.scores[a], z.scores[b]
	if sa != sb {
		return sa < sb
	}
	return a < b
}

// Add sets member's score, inserting it if new. Returns true if member was
// newly added (not merely re-scored).
func (z *ZSetValue) Add(member string, score float64) bool {
	if _, ok := z.scores[member]; ok {
		z.scores[member] = score
		z.resort()
		return false
	}
	z.scores[member] = score
	i := sort.Search(len(z.order), func(i int) bool { return !z.less(z.order[i], member) })
	z.order = append(z.order, "")
	copy(z.order[i+1:], z.order[i:])
	z.order[i] = member
	return true
}

func (z *ZSetValue) resort() {
	sort.Slice(z.order, func(i, j int) bool { return z.less(z.order[i], z.order[j]) })
}

func (z *ZSetValue) Score(member string) (float64, bool) {
	s, ok := z.scores[member]
	return s, ok
}

func (z *ZSetValue) IncrBy(member string, delta float64) float64 {
	s := z.scores[member]
	z.Add(member, s+delta)
	return s + delta
}

func (z *ZSetValue) Remove(member string) bool {
	if _, ok := z.scores[member]; !ok {
		return false
	}
	delete(z.scores, member)
	for i, m := range z.order {
		if m == member {
			z.order = append(z.order[:i], z.order[i+1:]...)
			break
		}
	}
	return true
}

func (z *ZSetValue) Len() int { return len(z.scores) }

// Rank returns member's zero-based rank in ascending score order.
func (z *ZSetValue) Rank(member string) (int, bool) {
	if _, ok := z.scores[member]; !ok {
		return 0, false
	}
	for i, m := range z.order {
		if m == member {
			return i, true
		}
	}
	return 0, false
}

// Range returns members (with scores) between start and stop inclusive,
// resolving negative indices as ZRANGE does.
func (z *ZSetValue) Range(start, stop int) []ZMember {
	n := len(z.order)
	start = resolveIndex(start, n)
	stop = resolveIndex(stop, n)
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil
	}
	out := make([]ZMember, 0, stop-start+1)
	for _, m := range z.order[start : stop+1] {
		out = append(out, ZMember{Member: m, Score: z.scores[m]})
	}
	return out
}

// ZMember pairs a member name with its score, returned by Range.
type ZMember struct {
	Member string
	Score  float64
}
