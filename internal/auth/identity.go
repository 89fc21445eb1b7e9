package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the marketplace side a user acts on.
type Role string

const (
	RoleEntrepreneur Role = "ENTREPRENEUR"
	RoleInvestor     Role = "INVESTOR"
)

// ErrUnknownRole indicates that a role claim is not one of the supported roles.
var ErrUnknownRole = errors.New("auth: unknown role")

// ParseRole normalizes a raw role claim.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case RoleEntrepreneur:
		return RoleEntrepreneur, nil
	case RoleInvestor:
		return RoleInvestor, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
}

// Identity is the trusted assertion attached to every connection and request.
type Identity struct {
	UserID string
	Role   Role
}
