package oauth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kaleo/kaleo-core/internal/domain"
)

func googleIdentity(c jwt.MapClaims) (*Identity, error) {
	sub := stringClaim(c, "sub")
	email := stringClaim(c, "email")
	if sub == "" || email == "" {
		return nil, fmt.Errorf("%w: google token missing sub or email", domain.ErrUpstreamVerification)
	}
	if !boolClaim(c, "email_verified") {
		return nil, domain.ErrUnverifiedEmail
	}
	verified := true
	return &Identity{
		Email: email,
		Name:  optionalClaim(c, "name"),
		Details: domain.GoogleDetails{
			ExternalID:    sub,
			EmailVerified: &verified,
			Picture:       optionalClaim(c, "picture"),
			HostedDomain:  optionalClaim(c, "hd"),
		},
	}, nil
}

func microsoftIdentity(c jwt.MapClaims) (*Identity, error) {
	externalID := stringClaim(c, "oid")
	if externalID == "" {
		externalID = stringClaim(c, "sub")
	}
	// verified_primary_email and xms_edov only appear when requested as
	// optional claims. An explicit xms_edov=false rejects the email.
	email := firstClaim(c, "verified_primary_email")
	if email == "" {
		if _, ok := c["xms_edov"]; ok && !boolClaim(c, "xms_edov") {
			return nil, domain.ErrUnverifiedEmail
		}
		email = firstClaim(c, "email", "preferred_username", "upn")
	}
	if externalID == "" || email == "" {
		return nil, fmt.Errorf("%w: microsoft token missing oid or email", domain.ErrUpstreamVerification)
	}
	return &Identity{
		Email: email,
		Name:  optionalClaim(c, "name"),
		Details: domain.MicrosoftDetails{
			ExternalID: externalID,
			TenantID:   optionalClaim(c, "tid"),
			UPN:        optionalClaim(c, "upn"),
			GivenName:  optionalClaim(c, "given_name"),
			FamilyName: optionalClaim(c, "family_name"),
		},
	}, nil
}

func stringClaim(c jwt.MapClaims, key string) string {
	switch v := c[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func optionalClaim(c jwt.MapClaims, key string) *string {
	if s := stringClaim(c, key); s != "" {
		return &s
	}
	return nil
}

func firstClaim(c jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		if s := stringClaim(c, k); s != "" {
			return s
		}
	}
	return ""
}

func boolClaim(c jwt.MapClaims, key string) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}
