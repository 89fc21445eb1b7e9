// Package ids issues opaque identifiers for chats, messages, notifications and connections.
package ids

import "github.com/google/uuid"

// Provider issues new unique identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
