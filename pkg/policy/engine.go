package policy

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/marcostork/keylime/pkg/measurelog"
)

// Engine classifies measurement log entries and the aggregate register
// state against a compiled policy. Stateless; safe for concurrent use by
// all agent tasks.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate classifies every new entry and compares the folded register
// digests against the values asserted by the authenticated quote.
//
// An entry is accepted when its digest is in the allow-list for its
// descriptor; allow-list match takes precedence over exclusion. An entry
// matching an exclude pattern is logged but is not a failure. Everything
// else is a violation. When the policy requires signatures, a missing or
// invalid entry signature is a violation regardless of allow-list status.
//
// A folded digest that disagrees with the quote's asserted register
// value is a terminal violation independent of entry classification: it
// catches tampering outside the observed log, such as direct register
// manipulation. The verdict is accepted only with zero failures of any
// kind, and always carries the complete failure list.
func (e *Engine) Evaluate(
	compiled *Compiled,
	entries []measurelog.Entry,
	folded map[int32][]byte,
	quoted map[int32][]byte,
	offset uint64) Verdict {

	verdict := Verdict{
		Registers: folded,
		Offset:    offset,
		Evaluated: len(entries),
	}

	for _, entry := range entries {
		verdict.Failures = append(verdict.Failures, e.classify(compiled, entry)...)
		if compiled.Excluded(entry.Descriptor) && !compiled.Allowed(hex.EncodeToString(entry.Digest), entry.Descriptor) {
			verdict.Excluded++
		}
	}

	verdict.Failures = append(verdict.Failures, e.compareRegisters(folded, quoted)...)

	verdict.Accepted = len(verdict.Failures) == 0
	return verdict
}

// classify runs the closed rule set against a single entry: allow-list
// match, exclude-list match, signature requirement.
func (e *Engine) classify(compiled *Compiled, entry measurelog.Entry) []Failure {

	var failures []Failure
	digest := hex.EncodeToString(entry.Digest)

	if compiled.RequireSignatures {
		if err := verifyEntrySignature(compiled, entry); err != nil {
			failures = append(failures, Failure{
				Code:       CodeBadSignature,
				Register:   entry.Register,
				Offset:     entry.Offset,
				Descriptor: entry.Descriptor,
				Digest:     digest,
				Message:    err.Error(),
			})
		}
	}

	if compiled.Allowed(digest, entry.Descriptor) {
		return failures
	}
	if compiled.Excluded(entry.Descriptor) {
		return failures
	}

	return append(failures, Failure{
		Code:       CodeNotInAllowlist,
		Register:   entry.Register,
		Offset:     entry.Offset,
		Descriptor: entry.Descriptor,
		Digest:     digest,
		Message:    fmt.Sprintf("measurement of %q not in allow-list", entry.Descriptor),
	})
}

// compareRegisters checks every folded register digest against the
// quote's asserted value. A register the quote did not assert is treated
// as missing data and fails; missing data never passes silently. A
// quoted register the log never extended must still sit at its all-zero
// reset value, otherwise the register was manipulated outside the log.
func (e *Engine) compareRegisters(
	folded map[int32][]byte,
	quoted map[int32][]byte) []Failure {

	var failures []Failure

	for register, asserted := range quoted {
		if _, ok := folded[register]; ok {
			continue
		}
		if !bytes.Equal(asserted, make([]byte, len(asserted))) {
			failures = append(failures, Failure{
				Code:     CodeDigestMismatch,
				Register: register,
				Digest:   hex.EncodeToString(asserted),
				Message: fmt.Sprintf(
					"register %d quoted as %s but no log entry extends it",
					register, hex.EncodeToString(asserted)),
			})
		}
	}

	for register, digest := range folded {
		asserted, ok := quoted[register]
		if !ok {
			failures = append(failures, Failure{
				Code:     CodeMissingRegister,
				Register: register,
				Message:  fmt.Sprintf("register %d folded from log but absent from quote", register),
			})
			continue
		}
		if !bytes.Equal(digest, asserted) {
			failures = append(failures, Failure{
				Code:     CodeDigestMismatch,
				Register: register,
				Digest:   hex.EncodeToString(digest),
				Message: fmt.Sprintf(
					"register %d running digest %s does not match quoted value %s",
					register, hex.EncodeToString(digest), hex.EncodeToString(asserted)),
			})
		}
	}
	return failures
}

// verifyEntrySignature checks the entry signature over digest ‖
// descriptor against any of the policy's trusted keys.
func verifyEntrySignature(compiled *Compiled, entry measurelog.Entry) error {

	if len(entry.Signature) == 0 {
		return fmt.Errorf("policy: entry %q has no signature", entry.Descriptor)
	}

	message := append(append([]byte{}, entry.Digest...), []byte(entry.Descriptor)...)
	hashed := sha256.Sum256(message)

	for _, key := range compiled.trustedKeys {
		switch pub := key.(type) {
		case ed25519.PublicKey:
			if ed25519.Verify(pub, message, entry.Signature) {
				return nil
			}
		case *rsa.PublicKey:
			if rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], entry.Signature) == nil {
				return nil
			}
		}
	}

	return fmt.Errorf("policy: entry %q signature not verifiable by any trusted key", entry.Descriptor)
}
