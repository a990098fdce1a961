package agent

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Export block section markers. The CONTENT section carries the evidence
// bytes exactly as stored, with no added whitespace, so the digest can be
// recomputed from the block alone.
const (
	sectionAgent     = "AGENT"
	sectionContent   = "CONTENT"
	sectionDigest    = "DIGEST"
	sectionSignature = "SIGNATURE"
)

// SignedBlock is the textual export of a signed evidence record, intended
// for out-of-band manual verification.
type SignedBlock struct {
	Agent     string
	Content   []byte
	Digest    string // hex SHA-256 of Content
	Signature string // base64 RSA-PSS over the digest bytes
}

func beginMarker(section string) []byte {
	return []byte(fmt.Sprintf("-----BEGIN %s-----\n", section))
}

func endMarker(section string) []byte {
	return []byte(fmt.Sprintf("\n-----END %s-----\n", section))
}

// Export renders the signed block in its delimited textual form.
func (b *SignedBlock) Export() []byte {
	var buf bytes.Buffer
	writeSection := func(section string, body []byte) {
		buf.Write(beginMarker(section))
		buf.Write(body)
		buf.Write(endMarker(section))
	}
	writeSection(sectionAgent, []byte(b.Agent))
	writeSection(sectionContent, b.Content)
	writeSection(sectionDigest, []byte(b.Digest))
	writeSection(sectionSignature, []byte(b.Signature))
	return buf.Bytes()
}

// ParseExport parses a delimited signed block back into its sections.
func ParseExport(data []byte) (*SignedBlock, error) {
	readSection := func(section string) ([]byte, error) {
		begin := beginMarker(section)
		start := bytes.Index(data, begin)
		if start < 0 {
			return nil, fmt.Errorf("agent: export block missing %s section", section)
		}
		start += len(begin)
		end := bytes.Index(data[start:], endMarker(section))
		if end < 0 {
			return nil, fmt.Errorf("agent: export block %s section not terminated", section)
		}
		return data[start : start+end], nil
	}

	name, err := readSection(sectionAgent)
	if err != nil {
		return nil, err
	}
	content, err := readSection(sectionContent)
	if err != nil {
		return nil, err
	}
	digestHex, err := readSection(sectionDigest)
	if err != nil {
		return nil, err
	}
	sig, err := readSection(sectionSignature)
	if err != nil {
		return nil, err
	}
	return &SignedBlock{
		Agent:     string(name),
		Content:   content,
		Digest:    string(digestHex),
		Signature: string(sig),
	}, nil
}

// Verify checks the block's internal consistency and its signature against
// the supplied key set. The digest must match the content bytes exactly as
// exported, and the signature must verify with the named agent's key.
func (b *SignedBlock) Verify(keys KeySet) error {
	sum := sha256.Sum256(b.Content)
	if hex.EncodeToString(sum[:]) != b.Digest {
		return fmt.Errorf("%w: export digest does not match content", ErrIntegrity)
	}
	verifier, err := keys.Verifier(b.Agent)
	if err != nil {
		return err
	}
	return verifier.Verify(b.Content, b.Signature)
}

// ExportBlock builds the signed export block for content using this agent.
func (a *Agent) ExportBlock(content []byte) (*SignedBlock, error) {
	digestHex, sigB64, err := a.HashAndSign(content)
	if err != nil {
		return nil, err
	}
	return &SignedBlock{
		Agent:     a.name,
		Content:   content,
		Digest:    digestHex,
		Signature: sigB64,
	}, nil
}
