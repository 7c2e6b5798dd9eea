package vector

import "strings"

// KeySeparator separates the owner ID from the resource in a key.
const KeySeparator = ":"

// Filter selects which keys a search may return.
type Filter interface {
	Match(key string) bool
}

// FilterFunc adapts a predicate to Filter.
type FilterFunc func(key string) bool

func (f FilterFunc) Match(key string) bool { return f(key) }

// OwnerFilter matches keys of the form owner + ":" + resource. The store serves
// it from its owner postings instead of scanning every key.
type OwnerFilter string

func (o OwnerFilter) Match(key string) bool {
	return strings.HasPrefix(key, string(o)+KeySeparator)
}

// ownerOf returns the owner part of key: everything before the first separator.
func ownerOf(key string) (string, bool) {
	i := strings.Index(key, KeySeparator)
	if i <= 0 {
		return "", false
	}
	return key[:i], true
}
