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

package envelope

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// KeyMaterial is a local handle's signing and key-agreement keypairs.
// Private halves are read once at startup and held only in memory;
// they must never be written anywhere but their original on-disk home.
type KeyMaterial struct {
	SignPub  ed25519.PublicKey
	SignPriv ed25519.PrivateKey
	KexPub   *ecdh.PublicKey
	KexPriv  *ecdh.PrivateKey
}

// GenerateKeyMaterial creates a fresh signing and key-agreement
// keypair, used by `agentd mint` key setup flows and by tests.
func GenerateKeyMaterial() (*KeyMaterial, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("envelope: generate signing key: %w", err)
	}
	kexPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("envelope: generate kex key: %w", err)
	}
	return &KeyMaterial{
		SignPub:  signPub,
		SignPriv: signPriv,
		KexPub:   kexPriv.PublicKey(),
		KexPriv:  kexPriv,
	}, nil
}

// Sign signs message with the handle's signing key.
func (k *KeyMaterial) Sign(message []byte) []byte {
	return ed25519.Sign(k.SignPriv, message)
}

// SignPubBase64 returns the base64-encoded signing public key, the
// wire form handle/info responses and configuration files use.
func (k *KeyMaterial) SignPubBase64() string {
	return base64.StdEncoding.EncodeToString(k.SignPub)
}

// KexPubBase64 returns the base64-encoded X25519 public key.
func (k *KeyMaterial) KexPubBase64() string {
	return base64.StdEncoding.EncodeToString(k.KexPub.Bytes())
}

// onDiskKeyMaterial is the keys.json shape written to a handle's key
// directory: every field is base64, mirroring the wire encoding the
// relay's handle/info endpoint uses for the public halves.
type onDiskKeyMaterial struct {
	SignPub  string `json:"signPub"`
	SignPriv string `json:"signPriv"`
	KexPriv  string `json:"kexPriv"`
}

// LoadOrCreateKeyMaterial reads keys.json from dir, generating and
// persisting a fresh keypair on first run. The private halves never
// leave dir once written (invariant: "their original on-disk home").
func LoadOrCreateKeyMaterial(dir string) (*KeyMaterial, error) {
	path := filepath.Join(dir, "keys.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		km, genErr := GenerateKeyMaterial()
		if genErr != nil {
			return nil, genErr
		}
		if err := saveKeyMaterial(path, km); err != nil {
			return nil, err
		}
		return km, nil
	}
	if err != nil {
		return nil, fmt.Errorf("envelope: read key material: %w", err)
	}

	var onDisk onDiskKeyMaterial
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return nil, fmt.Errorf("envelope: parse key material: %w", err)
	}
	return decodeKeyMaterial(onDisk)
}

func saveKeyMaterial(path string, km *KeyMaterial) error {
	onDisk := onDiskKeyMaterial{
		SignPub:  km.SignPubBase64(),
		SignPriv: base64.StdEncoding.EncodeToString(km.SignPriv),
		KexPriv:  base64.StdEncoding.EncodeToString(km.KexPriv.Bytes()),
	}
	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("envelope: encode key material: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("envelope: create key dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("envelope: write key material: %w", err)
	}
	return nil
}

func decodeKeyMaterial(onDisk onDiskKeyMaterial) (*KeyMaterial, error) {
	signPub, err := base64.StdEncoding.DecodeString(onDisk.SignPub)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode signing public key: %w", err)
	}
	signPriv, err := base64.StdEncoding.DecodeString(onDisk.SignPriv)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode signing private key: %w", err)
	}
	kexPrivRaw, err := base64.StdEncoding.DecodeString(onDisk.KexPriv)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode kex private key: %w", err)
	}
	kexPriv, err := ecdh.X25519().NewPrivateKey(kexPrivRaw)
	if err != nil {
		return nil, fmt.Errorf("envelope: rebuild kex private key: %w", err)
	}
	return &KeyMaterial{
		SignPub:  ed25519.PublicKey(signPub),
		SignPriv: ed25519.PrivateKey(signPriv),
		KexPub:   kexPriv.PublicKey(),
		KexPriv:  kexPriv,
	}, nil
}

// ParseSigningPublicKey decodes a base64 Ed25519 public key as
// returned by the relay's handle/info endpoint.
func ParseSigningPublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode signing key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("envelope: signing key has wrong length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
