package domain

// EncryptedSecret is the at-rest envelope for any stored secret. KeyVersion
// records which key produced the ciphertext so decryption keeps working after
// rotation, until the secret is re-encrypted.
type EncryptedSecret struct {
	KeyVersion string `json:"key_version"`
	Algorithm  string `json:"algorithm"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}
