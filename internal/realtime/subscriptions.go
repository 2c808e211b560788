package realtime

import "sort"

// subscriptionSet is the registry of live subscription keys. Not safe for
// concurrent use; Conn guards it with its mutex.
type subscriptionSet struct {
	keys map[SubscriptionKey]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{keys: make(map[SubscriptionKey]struct{})}
}

// add inserts key and reports whether it was new.
func (s *subscriptionSet) add(key SubscriptionKey) bool {
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

func (s *subscriptionSet) remove(key SubscriptionKey) bool {
	if _, ok := s.keys[key]; !ok {
		return false
	}
	delete(s.keys, key)
	return true
}

// removeSymbol drops every key for symbol and returns how many went.
func (s *subscriptionSet) removeSymbol(symbol string) int {
	n := 0
	for key := range s.keys {
		if key.Symbol == symbol {
			delete(s.keys, key)
			n++
		}
	}
	return n
}

func (s *subscriptionSet) has(key SubscriptionKey) bool {
	_, ok := s.keys[key]
	return ok
}

func (s *subscriptionSet) len() int {
	return len(s.keys)
}

func (s *subscriptionSet) clear() {
	clear(s.keys)
}

// list returns the keys ordered by symbol, then data type.
func (s *subscriptionSet) list() []SubscriptionKey {
	out := make([]SubscriptionKey, 0, len(s.keys))
	for key := range s.keys {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].DataType < out[j].DataType
	})
	return out
}
