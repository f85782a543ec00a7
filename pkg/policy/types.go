package policy

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"regexp"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v2"
)

var (
	ErrPolicyNotFound    = errors.New("policy: policy document not found")
	ErrInvalidDocument   = errors.New("policy: invalid policy document")
	ErrInvalidTrustedKey = errors.New("policy: invalid trusted key")
)

// Code classifies a single policy failure.
type Code string

const (
	CodeNotInAllowlist  Code = "not-in-allowlist"
	CodeBadSignature    Code = "bad-signature"
	CodeDigestMismatch  Code = "digest-mismatch"
	CodeMissingRegister Code = "missing-register"
)

// AllowRule accepts a measurement digest, optionally scoped to a set of
// descriptors (file paths). An empty Paths list accepts the digest for
// any descriptor.
type AllowRule struct {
	Digest string   `yaml:"digest"`
	Paths  []string `yaml:"paths,omitempty"`
}

// Document is the YAML form of a tenant policy. Immutable for the
// duration of a verification cycle; swapped between cycles by replacing
// the document in the policy store.
type Document struct {
	Version           string      `yaml:"version"`
	Name              string      `yaml:"name"`
	Allow             []AllowRule `yaml:"allow"`
	Exclude           []string    `yaml:"exclude,omitempty"`
	RequireSignatures bool        `yaml:"require-signatures"`
	TrustedKeys       []string    `yaml:"trusted-keys,omitempty"`
}

// Compiled is a Document prepared for evaluation: allow-list digests
// indexed for lookup, exclude patterns compiled, trusted keys parsed,
// and the raw bytes fingerprinted so a swap is observable across cycles.
type Compiled struct {
	Name              string
	Fingerprint       uint64
	RequireSignatures bool

	allow       map[string][]string
	exclude     []*regexp.Regexp
	trustedKeys []crypto.PublicKey
}

// Compile parses and validates a raw YAML policy document.
func Compile(raw []byte) (*Compiled, error) {

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, ErrInvalidDocument
	}

	compiled := &Compiled{
		Name:              doc.Name,
		Fingerprint:       xxhash.Sum64(raw),
		RequireSignatures: doc.RequireSignatures,
		allow:             make(map[string][]string, len(doc.Allow)),
	}

	for _, rule := range doc.Allow {
		if rule.Digest == "" {
			return nil, ErrInvalidDocument
		}
		compiled.allow[rule.Digest] = rule.Paths
	}

	for _, pattern := range doc.Exclude {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: bad exclude pattern %q", ErrInvalidDocument, pattern)
		}
		compiled.exclude = append(compiled.exclude, re)
	}

	for _, keyPEM := range doc.TrustedKeys {
		block, _ := pem.Decode([]byte(keyPEM))
		if block == nil {
			return nil, ErrInvalidTrustedKey
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, ErrInvalidTrustedKey
		}
		compiled.trustedKeys = append(compiled.trustedKeys, key)
	}

	if doc.RequireSignatures && len(compiled.trustedKeys) == 0 {
		return nil, fmt.Errorf("%w: signatures required but no trusted keys", ErrInvalidDocument)
	}

	return compiled, nil
}

// Allowed reports whether the digest is in the allow-list for the given
// descriptor, honoring descriptor scoping.
func (c *Compiled) Allowed(digest, descriptor string) bool {
	paths, ok := c.allow[digest]
	if !ok {
		return false
	}
	if len(paths) == 0 {
		return true
	}
	for _, path := range paths {
		if path == descriptor {
			return true
		}
	}
	return false
}

// Excluded reports whether the descriptor matches an exclude pattern.
func (c *Compiled) Excluded(descriptor string) bool {
	for _, re := range c.exclude {
		if re.MatchString(descriptor) {
			return true
		}
	}
	return false
}

// Failure is one reason a cycle was rejected. Rejections always carry
// the complete failure list, never only the first.
type Failure struct {
	Code       Code   `json:"code"`
	Register   int32  `json:"register"`
	Offset     uint64 `json:"offset,omitempty"`
	Descriptor string `json:"descriptor,omitempty"`
	Digest     string `json:"digest,omitempty"`
	Message    string `json:"message"`
}

// Verdict is the aggregate result of one verification cycle. Produced
// fresh each cycle, never mutated after construction.
type Verdict struct {
	Accepted  bool             `json:"accepted"`
	Failures  []Failure        `json:"failures,omitempty"`
	Registers map[int32][]byte `json:"-"`
	Offset    uint64           `json:"offset"`
	Evaluated int              `json:"evaluated"`
	Excluded  int              `json:"excluded"`
}
