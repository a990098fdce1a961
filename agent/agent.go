// Package agent provides signer identities for evidence authenticity.
//
// An agent is a named RSA key pair. Signing computes a SHA-256 digest over
// the evidence content as stored and an RSA-PSS signature over the digest
// bytes. Verification resolves the agent's public key from the reserved
// key registry evidence entry and checks the signature on read.
package agent

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/ComplianceAsCode/auditree-framework/evidence"
)

// PublicKeysPath is the reserved locker path of the agent public key
// registry: a JSON object mapping agent name to public key PEM.
const PublicKeysPath = "raw/auditree/agent_public_keys.json"

// Sentinel errors for signature verification.
var (
	// ErrIntegrity is returned when a digest or signature does not match
	// the stored content.
	ErrIntegrity = errors.New("agent: content integrity verification failed")

	// ErrUnknownAgent is returned when no public key is registered for the
	// agent named by a signed record.
	ErrUnknownAgent = errors.New("agent: no public key registered for agent")

	// ErrNotSignable is returned when signing is requested without a name
	// and private key, or for an evidence kind that does not accept
	// signatures.
	ErrNotSignable = errors.New("agent: agent cannot sign")
)

var pssOpts = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthAuto,
	Hash:       crypto.SHA256,
}

// Agent is a named signer identity.
type Agent struct {
	name        string
	useAgentDir bool
	priv        *rsa.PrivateKey
	pub         *rsa.PublicKey
}

// Option configures an Agent.
type Option func(*Agent)

// WithoutAgentDir stores the agent's evidence at its plain path instead of
// nesting it under agents/<name>/.
func WithoutAgentDir() Option {
	return func(a *Agent) {
		a.useAgentDir = false
	}
}

// New creates an agent identity. Keys are attached separately with
// SetPrivateKeyPEM or SetPublicKeyPEM.
func New(name string, opts ...Option) *Agent {
	a := &Agent{name: name, useAgentDir: true}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(a)
	}
	return a
}

// Name returns the agent name.
func (a *Agent) Name() string {
	return a.name
}

// SetPrivateKeyPEM attaches a PEM-encoded RSA private key (PKCS#1 or
// PKCS#8). The matching public key is derived from it.
func (a *Agent) SetPrivateKeyPEM(data []byte) error {
	block, _ := pem.Decode(data)
	if block == nil {
		return errors.New("agent: no PEM block in private key data")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		a.priv = key
		a.pub = &key.PublicKey
		return nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("agent: parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return errors.New("agent: private key is not RSA")
	}
	a.priv = key
	a.pub = &key.PublicKey
	return nil
}

// SetPublicKeyPEM attaches a PEM-encoded public key (PKIX).
func (a *Agent) SetPublicKeyPEM(data []byte) error {
	if a.name == "" {
		// Anonymous agents never verify; mirror that by ignoring the key.
		return nil
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return errors.New("agent: no PEM block in public key data")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("agent: parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return errors.New("agent: public key is not RSA")
	}
	a.pub = pub
	return nil
}

// PublicKeyPEM renders the agent's public key as PEM, suitable for the key
// registry evidence entry.
func (a *Agent) PublicKeyPEM() ([]byte, error) {
	if a.pub == nil {
		return nil, errors.New("agent: no public key attached")
	}
	der, err := x509.MarshalPKIXPublicKey(a.pub)
	if err != nil {
		return nil, fmt.Errorf("agent: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Signable reports whether the agent holds what it needs to sign evidence.
func (a *Agent) Signable() bool {
	return a.name != "" && a.priv != nil
}

// Verifiable reports whether the agent holds what it needs to verify
// evidence.
func (a *Agent) Verifiable() bool {
	return a.name != "" && a.pub != nil
}

// Path scopes an evidence path to the agent directory:
// agents/<name>/<path>. Paths already under the agents directory and
// unnamed agents pass through unchanged.
func (a *Agent) Path(p string) string {
	if a.name == "" || !a.useAgentDir {
		return p
	}
	if strings.Split(strings.Trim(p, "/"), "/")[0] == evidence.AgentsDir {
		return p
	}
	return path.Join(evidence.AgentsDir, a.name, p)
}

// HashAndSign computes the hex SHA-256 digest of content and a base64
// RSA-PSS signature over the digest bytes.
func (a *Agent) HashAndSign(content []byte) (digestHex, sigB64 string, err error) {
	if !a.Signable() {
		return "", "", ErrNotSignable
	}
	sum := sha256.Sum256(content)
	sig, err := rsa.SignPSS(rand.Reader, a.priv, crypto.SHA256, sum[:], pssOpts)
	if err != nil {
		return "", "", fmt.Errorf("agent: sign: %w", err)
	}
	return hex.EncodeToString(sum[:]), base64.StdEncoding.EncodeToString(sig), nil
}

// Sign attaches the agent's name, digest, and signature to an evidence
// record. The record kind must accept signatures.
func (a *Agent) Sign(e *evidence.Evidence) error {
	if !e.Kind.Signable() {
		return fmt.Errorf("%w: %s evidence does not accept signatures", ErrNotSignable, e.Kind)
	}
	digestHex, sigB64, err := a.HashAndSign(e.Content())
	if err != nil {
		return err
	}
	e.Agent = a.name
	e.Digest = digestHex
	e.Signature = sigB64
	return nil
}

// Verify recomputes the digest of content and checks the base64 RSA-PSS
// signature against the agent's public key. A mismatch returns
// ErrIntegrity.
func (a *Agent) Verify(content []byte, sigB64 string) error {
	if !a.Verifiable() {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, a.name)
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: malformed signature encoding", ErrIntegrity)
	}
	sum := sha256.Sum256(content)
	if err := rsa.VerifyPSS(a.pub, crypto.SHA256, sum[:], sig, pssOpts); err != nil {
		return fmt.Errorf("%w: agent %q", ErrIntegrity, a.name)
	}
	return nil
}
