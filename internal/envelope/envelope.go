// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package envelope implements the pure cryptographic operations over a
// relay envelope: signature verification, ECDH+HKDF+AES-256-GCM
// decryption, and plaintext hashing. None of these functions perform
// I/O; callers own the bytes fetched from the relay and decide what to
// do with a typed failure.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfo is the fixed HKDF info string binding derived keys to this
// protocol; changing it would silently desynchronize with the relay's
// own envelope producers.
const hkdfInfo = "agent-chat-envelope-aes256gcm"

// ReadLevel is the relay-computed trust gate on a (reader, envelope) pair.
type ReadLevel string

const (
	ReadBlock   ReadLevel = "block"
	ReadBlind   ReadLevel = "blind"
	ReadTrusted ReadLevel = "trusted"
)

// Envelope is the closed, normalized shape the pipeline operates on.
// RelayClient is responsible for collapsing the wire's duck-typed
// "maybe has field" shape into this struct before anything downstream
// sees it.
type Envelope struct {
	ID            string
	From          string
	To            string
	Recipient     string
	Ciphertext    []byte // base64-decoded
	EphemeralKey  []byte // base64-decoded X25519 public key
	Nonce         []byte // base64-decoded
	SenderSig     []byte // base64-decoded
	PlaintextHash string // base64(SHA-256), may be empty for legacy envelopes
	Timestamp     int64
	EffectiveRead ReadLevel
}

// DedupKey returns the key used for the pipeline's dedup set. Two
// copies of the same id at different trust levels are distinct: the
// second is a legitimate redelivery after a trust upgrade.
func (e *Envelope) DedupKey() string {
	return e.ID + ":" + string(e.EffectiveRead)
}

// SignaturePayload builds the exact canonical 4-tuple string the
// sender's signature covers: ciphertext ":" ephemeralKey ":" nonce
// ":" plaintextHash, each field base64-encoded. plaintextHash may be
// the empty string for legacy envelopes; verification still runs over
// that empty-hash form, it is never substituted or skipped.
func SignaturePayload(ciphertextB64, ephemeralKeyB64, nonceB64, plaintextHashB64 string) []byte {
	return []byte(ciphertextB64 + ":" + ephemeralKeyB64 + ":" + nonceB64 + ":" + plaintextHashB64)
}

// VerifySignature checks an Ed25519 signature over the 4-tuple payload
// against the sender's declared signing key.
func VerifySignature(payload, sig, senderSigPub []byte) bool {
	if len(senderSigPub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(senderSigPub, payload, sig)
}

// ErrDecryptFailed is returned when the AEAD open fails, whether due
// to a corrupt ciphertext, a mismatched key, or tampering.
var ErrDecryptFailed = errors.New("envelope: decryption failed")

// Decrypt performs the X25519 ECDH + HKDF-SHA256 + AES-256-GCM
// decryption described for this protocol: the shared secret is
// derived from the recipient's static key-agreement private key and
// the envelope's ephemeral public key, then run through HKDF to
// produce the AES key.
func Decrypt(ciphertext, ephemeralPub, nonce []byte, localKexPriv *ecdh.PrivateKey) ([]byte, error) {
	curve := ecdh.X25519()
	peerPub, err := curve.NewPublicKey(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("envelope: invalid ephemeral public key: %w", err)
	}

	shared, err := localKexPriv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("envelope: ecdh failed: %w", err)
	}

	key, err := deriveKey(shared, localKexPriv.PublicKey().Bytes(), ephemeralPub)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: gcm: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce size", ErrDecryptFailed)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}

// Encrypt is the sender-side counterpart of Decrypt, used by tests
// exercising the full round trip. It generates a fresh ephemeral key pair, derives the same
// session key Decrypt would derive, and seals plaintext.
func Encrypt(plaintext []byte, recipientPub *ecdh.PublicKey) (ciphertext, ephemeralPub, nonce []byte, err error) {
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("envelope: generate ephemeral key: %w", err)
	}

	shared, err := eph.ECDH(recipientPub)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("envelope: ecdh failed: %w", err)
	}

	ephPubBytes := eph.PublicKey().Bytes()
	key, err := deriveKey(shared, recipientPub.Bytes(), ephPubBytes)
	if err != nil {
		return nil, nil, nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("envelope: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("envelope: gcm: %w", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("envelope: nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, ephPubBytes, nonce, nil
}

// deriveKey runs the raw ECDH shared secret through HKDF-SHA256,
// salted with the two parties' X25519 public keys so the derived key
// is bound to this specific exchange.
func deriveKey(shared, localPub, peerPub []byte) ([]byte, error) {
	salt := append(append([]byte{}, localPub...), peerPub...)
	h := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("envelope: hkdf: %w", err)
	}
	return key, nil
}

// HashPlaintext returns base64(SHA-256(plaintext)), the value bound
// into the signature 4-tuple so a relay-side guardrail scan over the
// plaintext can be authenticated without the relay ever holding the
// ciphertext-to-plaintext mapping.
func HashPlaintext(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return base64.StdEncoding.EncodeToString(sum[:])
}
