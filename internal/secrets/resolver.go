package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Checker-Finance/myconso/internal/auth"
	pkgsecrets "github.com/Checker-Finance/myconso/pkg/secrets"
	"github.com/Checker-Finance/myconso/pkg/utils"
)

const service = "myconso"

// CredentialResolver resolves myconso credentials per account from a secrets
// provider, caching them locally.
//
// Secret naming convention: {env}/myconso/{account}
type CredentialResolver struct {
	logger   *zap.Logger
	env      string
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[auth.Credentials]
}

func NewCredentialResolver(
	logger *zap.Logger,
	env string,
	provider pkgsecrets.Provider,
	cache *pkgsecrets.Cache[auth.Credentials],
) *CredentialResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialResolver{
		logger:   logger,
		env:      env,
		provider: provider,
		cache:    cache,
	}
}

func (r *CredentialResolver) secretName(account string) string {
	return strings.ToLower(fmt.Sprintf("%s/%s/%s", r.env, service, account))
}

// Resolve returns the credentials of account, from cache when possible.
func (r *CredentialResolver) Resolve(ctx context.Context, account string) (auth.Credentials, error) {
	name := r.secretName(account)
	if creds, ok := r.cache.Get(name); ok {
		return creds, nil
	}

	secretMap, err := r.provider.GetSecret(ctx, name)
	if err != nil {
		r.logger.Warn("aws.secret_fetch_failed",
			zap.String("key", name),
			zap.Error(err))
		return auth.Credentials{}, fmt.Errorf("resolve credentials for %q: %w", account, err)
	}

	creds, err := ParseCredentials(secretMap)
	if err != nil {
		return auth.Credentials{}, fmt.Errorf("parse secret %q: %w", name, err)
	}
	r.cache.Put(name, creds)

	r.logger.Info("aws.credentials_resolved",
		zap.String("account", utils.MaskEmail(account)),
		zap.Bool("password", creds.HasPassword()),
		zap.Bool("token_pair", creds.HasTokenPair()))
	return creds, nil
}

// Invalidate drops the cached credentials of account.
func (r *CredentialResolver) Invalidate(account string) {
	r.cache.Bust(r.secretName(account))
}

// DiscoverAccounts lists the accounts that have a secret under "{env}/myconso/".
func (r *CredentialResolver) DiscoverAccounts(ctx context.Context) ([]string, error) {
	prefix := strings.ToLower(fmt.Sprintf("%s/%s/", r.env, service))

	names, err := r.provider.ListSecrets(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("discover accounts: %w", err)
	}

	var accounts []string
	for _, name := range names {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		account := strings.TrimPrefix(lower, prefix)
		if account != "" && !strings.Contains(account, "/") {
			accounts = append(accounts, account)
		}
	}

	r.logger.Info("aws.accounts_discovered", zap.Int("count", len(accounts)))
	return accounts, nil
}

// ParseCredentials reads either username/password or token/refresh_token.
// "email" is accepted as an alias of "username".
func ParseCredentials(m map[string]string) (auth.Credentials, error) {
	creds := auth.Credentials{
		Username:     strings.TrimSpace(m["username"]),
		Password:     m["password"],
		Token:        strings.TrimSpace(m["token"]),
		RefreshToken: strings.TrimSpace(m["refresh_token"]),
	}
	if creds.Username == "" {
		creds.Username = strings.TrimSpace(m["email"])
	}
	if err := creds.Validate(); err != nil {
		return auth.Credentials{}, errors.Join(err, errors.New("secret needs username/password or token/refresh_token"))
	}
	return creds, nil
}
