package models

import "time"

// Passkey is a WebAuthn public-key credential owned by exactly one user.
// It is stored embedded in the user row, hence the JSON tags.
type Passkey struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CredentialID string    `json:"credentialId"`
	PublicKey    string    `json:"publicKey"`
	Counter      uint32    `json:"counter"`
	Transports   []string  `json:"transports,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewPasskey is the registration input; the store assigns ID and CreatedAt.
type NewPasskey struct {
	Name         string   `json:"name" validate:"required,max=100"`
	CredentialID string   `json:"credentialId" validate:"required"`
	PublicKey    string   `json:"publicKey" validate:"required"`
	Counter      uint32   `json:"counter"`
	Transports   []string `json:"transports,omitempty"`
}
