// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
)

// SignedPayload is the wire envelope distributed to replicas:
// {data: base64(json), signature: base64(RSA-PSS-SHA256(json))}.
type SignedPayload struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

// Envelope wraps a SignedPayload under the "encrypted_payload" key expected
// by a replica's /libertai/api-keys endpoint.
type Envelope struct {
	EncryptedPayload SignedPayload `json:"encrypted_payload"`
}

// ParsePrivateKey decodes a base64-encoded PEM-wrapped RSA private key.
func ParsePrivateKey(privateKeyB64 string) (*rsa.PrivateKey, error) {
	pemBytes, err := base64.StdEncoding.DecodeString(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("keys: decoding private key base64: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("keys: private key is not valid PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	generic, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keys: parsing private key: %w", err)
	}
	rsaKey, ok := generic.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("keys: private key is not RSA")
	}
	return rsaKey, nil
}

// Sign produces a SignedPayload for obj using RSASSA-PSS with MGF1-SHA256
// and a maximal salt length, matching the envelope distributed replicas
// expect to verify.
func Sign(priv *rsa.PrivateKey, obj any) (SignedPayload, error) {
	jsonData, err := json.Marshal(obj)
	if err != nil {
		return SignedPayload{}, fmt.Errorf("keys: marshaling payload: %w", err)
	}
	digest := sha256.Sum256(jsonData)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return SignedPayload{}, fmt.Errorf("keys: signing payload: %w", err)
	}
	return SignedPayload{
		Data:      base64.StdEncoding.EncodeToString(jsonData),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// Verify checks a SignedPayload against a public key, returning the decoded
// data bytes on success. Exercised by tests as the round-trip law for the
// signing scheme; not on the gateway's own request hot path.
func Verify(pub *rsa.PublicKey, payload SignedPayload) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return nil, fmt.Errorf("keys: decoding data: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(payload.Signature)
	if err != nil {
		return nil, fmt.Errorf("keys: decoding signature: %w", err)
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	}); err != nil {
		return nil, fmt.Errorf("keys: signature verification failed: %w", err)
	}
	return data, nil
}
