package chat

import (
	"strings"
	"sync"
)

// Relationship classifies the other party of a session.
type Relationship string

const (
	RelationshipFamily      Relationship = "FAMILY"
	RelationshipCloseFriend Relationship = "CLOSE_FRIEND"
	RelationshipFriend      Relationship = "FRIEND"
	RelationshipGroupMixed  Relationship = "GROUP_MIXED"
	// RelationshipStranger is the "unfamiliar" class given to unlisted keys.
	RelationshipStranger Relationship = "STRANGER"
)

// ParseRelationship maps a config section name ("close_friend") to its class.
func ParseRelationship(s string) (Relationship, bool) {
	switch Relationship(strings.ToUpper(strings.TrimSpace(s))) {
	case RelationshipFamily:
		return RelationshipFamily, true
	case RelationshipCloseFriend:
		return RelationshipCloseFriend, true
	case RelationshipFriend:
		return RelationshipFriend, true
	case RelationshipGroupMixed:
		return RelationshipGroupMixed, true
	case RelationshipStranger:
		return RelationshipStranger, true
	}
	return "", false
}

// Classifier looks session keys up in static relationship lists.
// Lists can be swapped at runtime (config reload).
type Classifier struct {
	normalizer *KeyNormalizer

	mu    sync.RWMutex
	byKey map[string]Relationship
}

// NewClassifier builds a classifier. List entries are normalized with the same
// normalizer used for session keys so they match exactly.
func NewClassifier(normalizer *KeyNormalizer, lists map[Relationship][]string) *Classifier {
	if normalizer == nil {
		normalizer = defaultNormalizer
	}
	c := &Classifier{normalizer: normalizer}
	c.Update(lists)
	return c
}

// Update replaces all lists. When a key appears in several lists the first
// in FAMILY, CLOSE_FRIEND, FRIEND, GROUP_MIXED order wins.
func (c *Classifier) Update(lists map[Relationship][]string) {
	byKey := make(map[string]Relationship)
	order := []Relationship{RelationshipFamily, RelationshipCloseFriend, RelationshipFriend, RelationshipGroupMixed, RelationshipStranger}
	for _, rel := range order {
		for _, title := range lists[rel] {
			key := c.normalizer.Normalize(title)
			if key == UnknownKey {
				continue
			}
			if _, exists := byKey[key]; !exists {
				byKey[key] = rel
			}
		}
	}

	c.mu.Lock()
	c.byKey = byKey
	c.mu.Unlock()
}

// Classify returns the relationship for key, RelationshipStranger if unlisted.
func (c *Classifier) Classify(key string) Relationship {
	if c == nil {
		return RelationshipStranger
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if rel, ok := c.byKey[key]; ok {
		return rel
	}
	return RelationshipStranger
}
