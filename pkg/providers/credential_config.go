package providers

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dotsetgreg/tiermem/pkg/config"
)

type credentialCandidate struct {
	mode   string
	source string
	field  string
}

// resolveCredential picks the single configured credential of a provider.
// Configuring both an API key and a token file is an error.
func resolveCredential(label, field string, pc config.ProviderConfig) (credentialCandidate, error) {
	var candidates []credentialCandidate
	if key := strings.TrimSpace(pc.APIKey); key != "" {
		candidates = append(candidates, credentialCandidate{mode: authModeAPIKey, source: key, field: field + ".api_key"})
	}
	if file := strings.TrimSpace(pc.OAuthTokenFile); file != "" {
		candidates = append(candidates, credentialCandidate{mode: authModeTokenFile, source: file, field: field + ".oauth_token_file"})
	}

	switch len(candidates) {
	case 0:
		return credentialCandidate{}, fmt.Errorf("%s credentials are required (set %s.api_key or %s.oauth_token_file)", label, field, field)
	case 1:
		c := candidates[0]
		if c.mode == authModeTokenFile {
			resolved := expandHome(c.source)
			if _, err := os.Stat(resolved); err != nil {
				return credentialCandidate{}, fmt.Errorf("%s OAuth token file not accessible at %s: %w", label, resolved, err)
			}
		}
		return c, nil
	default:
		fields := make([]string, 0, len(candidates))
		for _, c := range candidates {
			fields = append(fields, c.field)
		}
		sort.Strings(fields)
		return credentialCandidate{}, fmt.Errorf("multiple %s credential sources configured (%s); set exactly one", label, strings.Join(fields, ", "))
	}
}

func authFor(c credentialCandidate) AuthStrategy {
	if c.mode == authModeTokenFile {
		return NewBearerAuth(c.mode, NewFileTokenSource(c.source))
	}
	return NewBearerAuth(c.mode, NewStaticTokenSource(c.source, c.field))
}
