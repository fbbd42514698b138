package oauth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kaleo/kaleo-core/internal/domain"
)

// TenantIDPlaceholder in an issuer is replaced by the token's tid claim.
const TenantIDPlaceholder = "{tenantid}"

// ProviderConfig describes how to verify ID tokens from one provider.
type ProviderConfig struct {
	Provider     domain.AuthProvider
	ClientID     string
	DiscoveryURL string
	Issuers      []string
	Algorithms   []string
}

// GoogleConfig returns the Google Sign-In verification settings.
func GoogleConfig(clientID string) ProviderConfig {
	return ProviderConfig{
		Provider:     domain.ProviderGoogle,
		ClientID:     clientID,
		DiscoveryURL: "https://accounts.google.com/.well-known/openid-configuration",
		Issuers:      []string{"accounts.google.com", "https://accounts.google.com"},
		Algorithms:   []string{jwt.SigningMethodRS256.Alg()},
	}
}

// MicrosoftConfig returns Microsoft identity platform v2.0 settings. tenant
// is a directory id or one of common, organizations, consumers.
func MicrosoftConfig(clientID, tenant string) ProviderConfig {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		tenant = "common"
	}
	issuer := "https://login.microsoftonline.com/" + tenant + "/v2.0"
	switch tenant {
	case "common", "organizations", "consumers":
		issuer = "https://login.microsoftonline.com/" + TenantIDPlaceholder + "/v2.0"
	}
	return ProviderConfig{
		Provider:     domain.ProviderMicrosoft,
		ClientID:     clientID,
		DiscoveryURL: "https://login.microsoftonline.com/" + tenant + "/v2.0/.well-known/openid-configuration",
		Issuers:      []string{issuer},
		Algorithms:   []string{jwt.SigningMethodRS256.Alg()},
	}
}
