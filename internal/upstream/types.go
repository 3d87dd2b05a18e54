package upstream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Bytes is a byte buffer that survives JSON round-trips through stores that
// only speak text. It serialises as a tagged envelope
// {"type":"Buffer","data":"<base64>"} and reconstructs from it; the mapping
// is a bijection on buffer values.
type Bytes []byte

type bufferEnvelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(bufferEnvelope{
		Type: "Buffer",
		Data: base64.StdEncoding.EncodeToString(b),
	})
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var env bufferEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.Type != "Buffer" {
		return fmt.Errorf("upstream: expected Buffer envelope, got %q", env.Type)
	}
	raw, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return fmt.Errorf("upstream: invalid Buffer payload: %w", err)
	}
	*b = raw
	return nil
}

// KeyPair is a Curve25519 key pair.
type KeyPair struct {
	Public  Bytes `json:"public"`
	Private Bytes `json:"private"`
}

// SignedPreKey is a pre-key signed by the identity key.
type SignedPreKey struct {
	KeyPair   KeyPair `json:"keyPair"`
	KeyID     uint32  `json:"keyId"`
	Signature Bytes   `json:"signature"`
}

// Contact identifies the WhatsApp account bound to a session.
type Contact struct {
	ID   string `json:"id"` // full JID
	Name string `json:"name,omitempty"`
}

// Creds is the root credential blob for one session. Structure mirrors the
// Signal handshake material the upstream protocol requires; the gateway
// treats it as opaque beyond persistence.
type Creds struct {
	NoiseKey                KeyPair      `json:"noiseKey"`
	PairingEphemeralKeyPair KeyPair      `json:"pairingEphemeralKeyPair"`
	SignedIdentityKey       KeyPair      `json:"signedIdentityKey"`
	SignedPreKey            SignedPreKey `json:"signedPreKey"`
	RegistrationID          uint32       `json:"registrationId"`
	AdvSecretKey            Bytes        `json:"advSecretKey"`
	NextPreKeyID            uint32       `json:"nextPreKeyId"`
	FirstUnuploadedPreKeyID uint32       `json:"firstUnuploadedPreKeyId"`
	AccountSyncCounter      uint32       `json:"accountSyncCounter"`
	Platform                string       `json:"platform,omitempty"`
	Registered              bool         `json:"registered"`
	Me                      *Contact     `json:"me,omitempty"`
}
