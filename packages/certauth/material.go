package certauth

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// TrustMaterial is the keystore, its password and the alias of the private key.
// Keystore is shared with the Authority that produced it and is zeroed when that
// Authority is closed; callers must not modify it.
type TrustMaterial struct {
	Keystore []byte
	Password string
	KeyAlias string
}

// TLSCertificate decodes the keystore into a certificate usable for signing
// leaf certificates
func (m *TrustMaterial) TLSCertificate() (tls.Certificate, error) {
	key, cert, err := pkcs12.Decode(m.Keystore, m.Password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to decode keystore: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}

// Certificate returns the root certificate
func (m *TrustMaterial) Certificate() (*x509.Certificate, error) {
	_, cert, err := pkcs12.Decode(m.Keystore, m.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode keystore: %w", err)
	}
	return cert, nil
}

// CertificatePEM returns the root certificate PEM-encoded, for installing into
// clients that should trust intercepted connections
func (m *TrustMaterial) CertificatePEM() ([]byte, error) {
	cert, err := m.Certificate()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}), nil
}

// SerializableForm is the persisted representation of an authority, allowing
// the same root to be reused across runs
type SerializableForm struct {
	KeystoreBase64 string `json:"keystoreBase64"`
	Password       string `json:"password"`
}

// Export returns the serializable form, generating material if necessary
func (a *Authority) Export() (*SerializableForm, error) {
	m, err := a.Acquire()
	if err != nil {
		return nil, err
	}
	return &SerializableForm{
		KeystoreBase64: base64.StdEncoding.EncodeToString(m.Keystore),
		Password:       m.Password,
	}, nil
}

// WriteFile saves the form as JSON readable only by the owner
func (f *SerializableForm) WriteFile(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Load creates an authority that already holds the material in form. No
// generation takes place.
func Load(form *SerializableForm, opts ...Option) (*Authority, error) {
	if form == nil {
		return nil, errors.New("serialized authority is nil")
	}
	keystore, err := base64.StdEncoding.DecodeString(form.KeystoreBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid keystore encoding: %w", err)
	}
	if _, _, err := pkcs12.Decode(keystore, form.Password); err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}
	a := New(opts...)
	a.state.Store(&generated{material: &TrustMaterial{
		Keystore: keystore,
		Password: form.Password,
		KeyAlias: a.keyAlias,
	}})
	return a, nil
}

// LoadFile reads a form written by SerializableForm.WriteFile
func LoadFile(path string, opts ...Option) (*Authority, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var form SerializableForm
	if err := json.Unmarshal(data, &form); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return Load(&form, opts...)
}
