package gateway

import (
	"context"

	"github.com/collabhub/pushgate/internal/hostapi"
	"github.com/collabhub/pushgate/internal/preauth"
)

// Authenticator resolves a (user, secret) pair sent during the AwaitingPassword state to an authenticated user id.
type Authenticator interface {
	Authenticate(ctx context.Context, user, secret string) (userID string, ok bool, err error)
}

// hostAuthenticator is the production Authenticator: an empty user means secret is a pre-auth token, redeemed
// atomically against the pre-auth store; otherwise secret is a password checked against the host application over
// HTTP Basic auth.
type hostAuthenticator struct {
	preauth *preauth.Store
	host    *hostapi.Client
}

// NewAuthenticator builds the production Authenticator from a pre-auth token store and a host API client.
func NewAuthenticator(preauthStore *preauth.Store, hostClient *hostapi.Client) Authenticator {
	return &hostAuthenticator{preauth: preauthStore, host: hostClient}
}

func (a *hostAuthenticator) Authenticate(ctx context.Context, user, secret string) (string, bool, error) {
	if user == "" {
		return a.preauth.Redeem(ctx, secret)
	}

	ok, err := a.host.VerifyCredentials(ctx, user, secret)
	if err != nil || !ok {
		return "", false, err
	}
	return user, true, nil
}
