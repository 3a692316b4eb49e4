// Package certauth generates and holds the in-memory certificate authority used
// to mint per-host leaf certificates for TLS interception.
//
// An Authority generates its root key and certificate lazily, on the first call
// that needs trust material, and at most once. The result is kept as a PKCS#12
// keystore protected by a random password. Close overwrites the keystore bytes
// with zeros; a closed Authority cannot be reused.
package certauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abdul-hamid-achik/hitcapture/packages/logger"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

const (
	// DefaultKeyAlias names the private key inside the keystore
	DefaultKeyAlias = "key"
	// DefaultKeyBits is the RSA modulus size of generated roots
	DefaultKeyBits = 2048
	// PasswordBytes is the amount of randomness behind a keystore password
	PasswordBytes = 32
	// KeystoreType describes the keystore encoding
	KeystoreType = "PKCS12"
)

// ErrClosed is returned by every accessor once the authority has been closed
var ErrClosed = errors.New("certificate authority is closed")

// GenerationError wraps any failure while generating key material
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("certificate generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// generated is immutable once published
type generated struct {
	material *TrustMaterial
}

// Authority is a lazily generated, closeable certificate authority. It is safe
// for concurrent use.
type Authority struct {
	mu     sync.Mutex
	state  atomic.Pointer[generated]
	closed bool

	random     io.Reader
	keyAlias   string
	keyBits    int
	commonName string
	validity   time.Duration
	now        func() time.Time
	onGenerate func()
	log        logger.Logger
}

// Option configures an Authority
type Option func(*Authority)

// WithRandom sets the source of randomness used for the password, serial
// number and key. Pass a seeded reader for reproducible passwords in tests.
func WithRandom(r io.Reader) Option {
	return func(a *Authority) {
		a.random = r
	}
}

// WithKeyAlias sets the private key alias reported with the trust material
func WithKeyAlias(alias string) Option {
	return func(a *Authority) {
		a.keyAlias = alias
	}
}

// WithKeyBits sets the RSA key size
func WithKeyBits(bits int) Option {
	return func(a *Authority) {
		a.keyBits = bits
	}
}

// WithCommonName sets the subject common name of the root certificate
func WithCommonName(cn string) Option {
	return func(a *Authority) {
		a.commonName = cn
	}
}

// WithValidity sets how long the root certificate is valid
func WithValidity(d time.Duration) Option {
	return func(a *Authority) {
		a.validity = d
	}
}

// WithGenerateHook registers fn to be called each time key material is generated
func WithGenerateHook(fn func()) Option {
	return func(a *Authority) {
		a.onGenerate = fn
	}
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(a *Authority) {
		a.log = l
	}
}

// New creates an authority in the ungenerated state
func New(opts ...Option) *Authority {
	a := &Authority{
		random:     rand.Reader,
		keyAlias:   DefaultKeyAlias,
		keyBits:    DefaultKeyBits,
		commonName: "hitcapture CA",
		validity:   365 * 24 * time.Hour,
		now:        time.Now,
		log:        logger.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Acquire returns the trust material, generating it on first use. Concurrent
// first callers block until a single generation completes and then all observe
// the same material.
func (a *Authority) Acquire() (*TrustMaterial, error) {
	if g := a.state.Load(); g != nil {
		return g.material, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}
	if g := a.state.Load(); g != nil {
		return g.material, nil
	}

	material, err := a.generate()
	if err != nil {
		return nil, &GenerationError{Err: err}
	}
	a.state.Store(&generated{material: material})
	return material, nil
}

// Generated reports whether key material exists
func (a *Authority) Generated() bool {
	return a.state.Load() != nil
}

// Closed reports whether Close has been called
func (a *Authority) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Close zeroes the keystore bytes and releases the material. Further use fails
// with ErrClosed. Closing twice is a no-op.
func (a *Authority) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if g := a.state.Swap(nil); g != nil {
		clear(g.material.Keystore)
		a.log.Debug("certificate authority closed", "keystoreBytes", len(g.material.Keystore))
	}
	return nil
}

func (a *Authority) generate() (*TrustMaterial, error) {
	if a.onGenerate != nil {
		a.onGenerate()
	}

	pw := make([]byte, PasswordBytes)
	if _, err := io.ReadFull(a.random, pw); err != nil {
		return nil, fmt.Errorf("failed to generate keystore password: %w", err)
	}
	password := base64.StdEncoding.EncodeToString(pw)

	serialBytes := make([]byte, 16)
	if _, err := io.ReadFull(a.random, serialBytes); err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	serial := new(big.Int).SetBytes(serialBytes)

	key, err := rsa.GenerateKey(a.random, a.keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	now := a.now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   a.commonName,
			Organization: []string{"hitcapture"},
		},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.Add(a.validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(a.random, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse root certificate: %w", err)
	}

	keystore, err := pkcs12.Modern.WithRand(a.random).Encode(key, cert, nil, password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode keystore: %w", err)
	}

	a.log.Debug("generated certificate authority",
		"subject", cert.Subject.String(),
		"keystoreType", KeystoreType,
		"keystoreBytes", len(keystore),
	)
	return &TrustMaterial{Keystore: keystore, Password: password, KeyAlias: a.keyAlias}, nil
}
