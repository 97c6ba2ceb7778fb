package infra

// PassthroughDecryptor satisfies the secret decryption contract for
// deployments where settings are stored in plaintext (local sqlite). The
// real cipher lives outside this process.
type PassthroughDecryptor struct{}

// Decrypt returns a copy of the settings unchanged.
func (PassthroughDecryptor) Decrypt(settings map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(settings))
	for k, v := range settings {
		out[k] = v
	}
	return out, nil
}
