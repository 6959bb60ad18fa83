// Package auth verifies agent credentials. Tokens are configured as
// agent:secret pairs; secrets are either plaintext (compared in constant
// time) or Argon2id hashes produced by HashToken.
package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"
)

// hashPrefix marks a configured secret as an Argon2id hash rather than a
// plaintext token.
const hashPrefix = "argon2:"

// ErrInvalidCredentials is returned for unknown agents and wrong secrets
// alike, so responses don't reveal which agents exist.
var ErrInvalidCredentials = fmt.Errorf("auth: invalid credentials")

// Authenticator validates agent tokens against the configured set.
type Authenticator struct {
	secrets map[string]string // agent id -> plaintext or argon2:<encoded>
}

// Parse builds an authenticator from a comma-separated list of agent:secret
// pairs. An empty spec returns a nil authenticator, which disables auth.
func Parse(spec string) (*Authenticator, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	secrets := make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		agent, secret, ok := strings.Cut(pair, ":")
		if !ok || agent == "" || secret == "" {
			return nil, fmt.Errorf("auth: malformed token pair %q, want agent:secret", pair)
		}
		if _, dup := secrets[agent]; dup {
			return nil, fmt.Errorf("auth: duplicate agent %q", agent)
		}
		secrets[agent] = secret
	}
	if len(secrets) == 0 {
		return nil, fmt.Errorf("auth: token spec contains no pairs")
	}
	return &Authenticator{secrets: secrets}, nil
}

// Verify checks a presented token for the given agent. Unknown agents run a
// dummy hash so timing does not reveal which agent ids exist.
func (a *Authenticator) Verify(agentID, token string) error {
	configured, ok := a.secrets[agentID]
	if !ok {
		DummyVerify()
		return ErrInvalidCredentials
	}

	if encoded, isHash := strings.CutPrefix(configured, hashPrefix); isHash {
		match, err := VerifyToken(token, encoded)
		if err != nil || !match {
			return ErrInvalidCredentials
		}
		return nil
	}

	if subtle.ConstantTimeCompare([]byte(configured), []byte(token)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// ParseBearer splits an "agent:secret" bearer credential.
func ParseBearer(credential string) (agentID, token string, err error) {
	agentID, token, ok := strings.Cut(credential, ":")
	if !ok || agentID == "" || token == "" {
		return "", "", fmt.Errorf("auth: malformed bearer credential, want agent:secret")
	}
	return agentID, token, nil
}
