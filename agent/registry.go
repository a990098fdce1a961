package agent

import (
	"encoding/json"
	"fmt"
)

// KeySet maps agent names to public key PEM strings. It is the parsed form
// of the key registry evidence entry at PublicKeysPath.
type KeySet map[string]string

// ParseKeySet parses the key registry evidence content.
func ParseKeySet(raw []byte) (KeySet, error) {
	var ks KeySet
	if err := json.Unmarshal(raw, &ks); err != nil {
		return nil, fmt.Errorf("agent: parse key registry: %w", err)
	}
	return ks, nil
}

// Verifier builds a verification-only agent for the named signer from the
// key set. Returns ErrUnknownAgent when the name is not registered.
func (ks KeySet) Verifier(name string) (*Agent, error) {
	pemStr, ok := ks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	a := New(name)
	if err := a.SetPublicKeyPEM([]byte(pemStr)); err != nil {
		return nil, err
	}
	return a, nil
}
