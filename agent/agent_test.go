package agent

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComplianceAsCode/auditree-framework/evidence"
)

func newSigner(t *testing.T, name string) *Agent {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	a := New(name)
	require.NoError(t, a.SetPrivateKeyPEM(privPEM))
	return a
}

func keySetFor(t *testing.T, agents ...*Agent) KeySet {
	t.Helper()
	ks := KeySet{}
	for _, a := range agents {
		pemData, err := a.PublicKeyPEM()
		require.NoError(t, err)
		ks[a.Name()] = string(pemData)
	}
	return ks
}

func TestKeyLoading(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	t.Run("pkcs1 private key", func(t *testing.T) {
		t.Parallel()
		a := New("signer")
		pemData := pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		})
		require.NoError(t, a.SetPrivateKeyPEM(pemData))
		assert.True(t, a.Signable())
		assert.True(t, a.Verifiable(), "public key derives from the private key")
	})

	t.Run("pkcs8 private key", func(t *testing.T) {
		t.Parallel()
		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		a := New("signer")
		require.NoError(t, a.SetPrivateKeyPEM(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})))
		assert.True(t, a.Signable())
	})

	t.Run("garbage key data", func(t *testing.T) {
		t.Parallel()
		a := New("signer")
		assert.Error(t, a.SetPrivateKeyPEM([]byte("not a key")))
		assert.False(t, a.Signable())
	})

	t.Run("unnamed agent never signs", func(t *testing.T) {
		t.Parallel()
		a := New("")
		pemData := pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		})
		require.NoError(t, a.SetPrivateKeyPEM(pemData))
		assert.False(t, a.Signable())
		_, _, err := a.HashAndSign([]byte("content"))
		assert.ErrorIs(t, err, ErrNotSignable)
	})
}

func TestHashSignVerify(t *testing.T) {
	t.Parallel()

	signer := newSigner(t, "collector")
	content := []byte(`{"count": 3}`)

	digestHex, sigB64, err := signer.HashAndSign(content)
	require.NoError(t, err)
	assert.Len(t, digestHex, 64, "digest must be hex sha-256")
	assert.NotEmpty(t, sigB64)

	t.Run("valid signature verifies", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, signer.Verify(content, sigB64))
	})

	t.Run("tampered content fails", func(t *testing.T) {
		t.Parallel()
		assert.ErrorIs(t, signer.Verify([]byte(`{"count": 4}`), sigB64), ErrIntegrity)
	})

	t.Run("wrong key fails", func(t *testing.T) {
		t.Parallel()
		other := newSigner(t, "collector")
		assert.ErrorIs(t, other.Verify(content, sigB64), ErrIntegrity)
	})

	t.Run("malformed signature encoding fails", func(t *testing.T) {
		t.Parallel()
		assert.ErrorIs(t, signer.Verify(content, "%%%not base64%%%"), ErrIntegrity)
	})
}

func TestSignEvidence(t *testing.T) {
	t.Parallel()

	signer := newSigner(t, "collector")

	t.Run("signable kind", func(t *testing.T) {
		t.Parallel()
		e := evidence.New(evidence.Raw, "github", "repos.json")
		require.NoError(t, e.SetContent([]byte(`{"n":1}`)))
		require.NoError(t, signer.Sign(e))
		assert.Equal(t, "collector", e.Agent)
		assert.NotEmpty(t, e.Signature)
		assert.NoError(t, signer.Verify(e.Content(), e.Signature))
	})

	t.Run("reports are not signable", func(t *testing.T) {
		t.Parallel()
		e := evidence.New(evidence.Report, "github", "repos.md")
		require.NoError(t, e.SetContent([]byte("# report")))
		assert.ErrorIs(t, signer.Sign(e), ErrNotSignable)
	})
}

func TestAgentPath(t *testing.T) {
	t.Parallel()

	a := New("collector")
	assert.Equal(t, "agents/collector/raw/github/repos.json", a.Path("raw/github/repos.json"))
	assert.Equal(t, "agents/collector/raw/github/repos.json",
		a.Path("agents/collector/raw/github/repos.json"), "already-scoped paths pass through")

	plain := New("collector", WithoutAgentDir())
	assert.Equal(t, "raw/github/repos.json", plain.Path("raw/github/repos.json"))

	unnamed := New("")
	assert.Equal(t, "raw/github/repos.json", unnamed.Path("raw/github/repos.json"))
}

func TestKeySet(t *testing.T) {
	t.Parallel()

	signer := newSigner(t, "collector")
	ks := keySetFor(t, signer)

	raw, err := json.Marshal(ks)
	require.NoError(t, err)
	parsed, err := ParseKeySet(raw)
	require.NoError(t, err)

	verifier, err := parsed.Verifier("collector")
	require.NoError(t, err)
	assert.True(t, verifier.Verifiable())

	_, err = parsed.Verifier("stranger")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestExportBlock(t *testing.T) {
	t.Parallel()

	signer := newSigner(t, "collector")
	content := []byte("{\n  \"n\": 1\n}")
	block, err := signer.ExportBlock(content)
	require.NoError(t, err)

	exported := block.Export()
	assert.Contains(t, string(exported), "-----BEGIN AGENT-----\ncollector\n-----END AGENT-----")
	assert.Contains(t, string(exported), "-----BEGIN CONTENT-----\n"+string(content)+"\n-----END CONTENT-----")

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()
		parsed, err := ParseExport(exported)
		require.NoError(t, err)
		assert.Equal(t, block, parsed)
		assert.NoError(t, parsed.Verify(keySetFor(t, signer)))
	})

	t.Run("tampered content fails verification", func(t *testing.T) {
		t.Parallel()
		parsed, err := ParseExport(exported)
		require.NoError(t, err)
		parsed.Content = []byte("{\n  \"n\": 2\n}")
		assert.ErrorIs(t, parsed.Verify(keySetFor(t, signer)), ErrIntegrity)
	})

	t.Run("unknown agent fails verification", func(t *testing.T) {
		t.Parallel()
		parsed, err := ParseExport(exported)
		require.NoError(t, err)
		assert.ErrorIs(t, parsed.Verify(KeySet{}), ErrUnknownAgent)
	})

	t.Run("truncated block fails parsing", func(t *testing.T) {
		t.Parallel()
		_, err := ParseExport(exported[:len(exported)/2])
		assert.Error(t, err)
	})
}
