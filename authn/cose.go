// Package authn verifies caller identities before any transition runs.
//
// Requests travel as COSE_Sign messages (RFC 9052, tag 98): one payload, one signature
// per signer. Every signature uses EdDSA over Ed25519 and carries the signer's raw
// public key as its protected key ID, so the identity is self-certifying.
package authn

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/veraison/go-cose"

	"github.com/cloudx-io/timedauction/core"
)

// MaxSigners bounds the signatures accepted on one request. Close needs two.
const MaxSigners = 2

var (
	// ErrUnauthenticated wraps every verification failure.
	ErrUnauthenticated = errors.New("unauthenticated request")
)

// Sign produces a COSE_Sign envelope over payload with one signature per key.
func Sign(payload []byte, keys ...ed25519.PrivateKey) ([]byte, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one signing key is required")
	}
	if len(keys) > MaxSigners {
		return nil, fmt.Errorf("too many signing keys: %d (max %d)", len(keys), MaxSigners)
	}

	msg := cose.NewSignMessage()
	msg.Payload = payload

	signers := make([]cose.Signer, 0, len(keys))
	for _, key := range keys {
		signer, err := cose.NewSigner(cose.AlgorithmEdDSA, key)
		if err != nil {
			return nil, fmt.Errorf("create signer: %w", err)
		}
		pub, ok := key.Public().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unexpected public key type %T", key.Public())
		}

		sig := cose.NewSignature()
		sig.Headers.Protected = cose.ProtectedHeader{
			cose.HeaderLabelAlgorithm: cose.AlgorithmEdDSA,
			cose.HeaderLabelKeyID:     []byte(pub),
		}
		msg.Signatures = append(msg.Signatures, sig)
		signers = append(signers, signer)
	}

	if err := msg.Sign(rand.Reader, nil, signers...); err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	envelope, err := msg.MarshalCBOR()
	if err != nil {
		return nil, fmt.Errorf("marshal COSE_Sign: %w", err)
	}
	return envelope, nil
}

// Verify checks every signature on a COSE_Sign envelope and returns the signed payload
// with the signer identities in signature order.
func Verify(envelope []byte) ([]byte, core.Signers, error) {
	var msg cose.SignMessage
	if err := msg.UnmarshalCBOR(envelope); err != nil {
		return nil, nil, fmt.Errorf("%w: parse COSE_Sign: %v", ErrUnauthenticated, err)
	}

	if len(msg.Signatures) == 0 {
		return nil, nil, fmt.Errorf("%w: no signatures", ErrUnauthenticated)
	}
	if len(msg.Signatures) > MaxSigners {
		return nil, nil, fmt.Errorf("%w: %d signatures (max %d)", ErrUnauthenticated, len(msg.Signatures), MaxSigners)
	}

	verifiers := make([]cose.Verifier, 0, len(msg.Signatures))
	signers := make(core.Signers, 0, len(msg.Signatures))
	for i, sig := range msg.Signatures {
		pub, err := signerKey(sig)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: signature %d: %v", ErrUnauthenticated, i, err)
		}
		id, err := core.IdentityFromPublicKey(pub)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: signature %d: %v", ErrUnauthenticated, i, err)
		}
		if signers.Contains(id) {
			return nil, nil, fmt.Errorf("%w: duplicate signer %s", ErrUnauthenticated, id.Short())
		}

		verifier, err := cose.NewVerifier(cose.AlgorithmEdDSA, pub)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: create verifier: %v", ErrUnauthenticated, err)
		}
		verifiers = append(verifiers, verifier)
		signers = append(signers, id)
	}

	if err := msg.Verify(nil, verifiers...); err != nil {
		return nil, nil, fmt.Errorf("%w: COSE signature verification failed: %v", ErrUnauthenticated, err)
	}

	return msg.Payload, signers, nil
}

// signerKey extracts the Ed25519 public key named by a signature's protected headers.
func signerKey(sig *cose.Signature) (ed25519.PublicKey, error) {
	if sig == nil {
		return nil, fmt.Errorf("missing signature")
	}
	alg, err := sig.Headers.Protected.Algorithm()
	if err != nil {
		return nil, fmt.Errorf("read algorithm: %w", err)
	}
	if alg != cose.AlgorithmEdDSA {
		return nil, fmt.Errorf("unsupported algorithm %v", alg)
	}

	kid, ok := sig.Headers.Protected[cose.HeaderLabelKeyID].([]byte)
	if !ok {
		return nil, fmt.Errorf("missing protected key id")
	}
	if len(kid) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid key id length: expected %d bytes, got %d", ed25519.PublicKeySize, len(kid))
	}
	return ed25519.PublicKey(kid), nil
}
