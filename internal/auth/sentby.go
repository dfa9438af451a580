package auth

import (
	"errors"
	"strings"

	"messageexchange/api/internal/store"
)

const HeaderSentBy = "X-Sent-By"

var ErrInvalidSentBy = errors.New("invalid sent-by header")

// ParseSentBy reads an identity like "type=adAccount; joe01doe". The two parts
// may come in either order and the type name is case-insensitive. An empty
// header yields a nil identity.
func ParseSentBy(header string) (*store.Identifier, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	parts := strings.Split(header, ";")
	if len(parts) != 2 {
		return nil, ErrInvalidSentBy
	}

	var identityType, value string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if name, rest, ok := strings.Cut(part, "="); ok && strings.EqualFold(strings.TrimSpace(name), "type") {
			if identityType != "" {
				return nil, ErrInvalidSentBy
			}
			identityType = strings.TrimSpace(rest)
			continue
		}
		if value != "" {
			return nil, ErrInvalidSentBy
		}
		value = part
	}

	normalized, ok := normalizeType(identityType)
	if !ok || value == "" {
		return nil, ErrInvalidSentBy
	}
	return &store.Identifier{Type: normalized, Value: value}, nil
}

func normalizeType(value string) (string, bool) {
	switch {
	case strings.EqualFold(value, store.IdentifierAdAccount):
		return store.IdentifierAdAccount, true
	case strings.EqualFold(value, store.IdentifierPartyID):
		return store.IdentifierPartyID, true
	default:
		return "", false
	}
}

// NormalizeIdentifier returns id with its type in canonical form, or false
// when the type is unknown or the value is empty.
func NormalizeIdentifier(id store.Identifier) (store.Identifier, bool) {
	normalized, ok := normalizeType(strings.TrimSpace(id.Type))
	value := strings.TrimSpace(id.Value)
	if !ok || value == "" {
		return store.Identifier{}, false
	}
	return store.Identifier{Type: normalized, Value: value}, true
}
