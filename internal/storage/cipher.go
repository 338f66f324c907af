package storage

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealVersion is prepended to every sealed value and authenticated as AAD.
const sealVersion byte = 0x01

const (
	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
	keySize      = 32
)

var (
	hkdfInfoEncryption = []byte("bitpart.storage.enc.v1")
	hkdfInfoDigest     = []byte("bitpart.storage.digest.v1")
	hkdfInfoVerifier   = []byte("bitpart.storage.verify.v1")
	verifierMessage    = []byte("bitpart database key verifier")
)

// Cipher seals values written to the database and computes keyed digests for
// columns that must stay queryable.
type Cipher struct {
	aead      cipher.AEAD
	digestKey [keySize]byte
	verifier  [keySize]byte
}

func deriveCipher(passphrase, salt []byte) (*Cipher, error) {
	master := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, keySize)

	encKey, err := expand(master, hkdfInfoEncryption)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	c := &Cipher{aead: aead}
	digestKey, err := expand(master, hkdfInfoDigest)
	if err != nil {
		return nil, err
	}
	copy(c.digestKey[:], digestKey)

	verifyKey, err := expand(master, hkdfInfoVerifier)
	if err != nil {
		return nil, err
	}
	c.verifier = keyedHash(verifyKey, verifierMessage)
	return c, nil
}

func expand(master, info []byte) ([]byte, error) {
	out := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, info), out); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}

func keyedHash(key, data []byte) [keySize]byte {
	hasher, err := blake3.NewKeyed(key)
	if err != nil {
		panic("storage: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var sum [keySize]byte
	copy(sum[:], hasher.Sum(nil))
	return sum
}

func (c *Cipher) verify(stored []byte) bool {
	return subtle.ConstantTimeCompare(c.verifier[:], stored) == 1
}

// Seal encrypts plaintext. aad binds the ciphertext to the row it is stored
// in, so a value copied to another row fails to open.
//
//	[version: 1] [nonce: 24] [ciphertext+tag]
func (c *Cipher) Seal(plaintext, aad []byte) ([]byte, error) {
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+chacha20poly1305.Overhead)
	out[0] = sealVersion
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}
	nonce := out[1 : 1+chacha20poly1305.NonceSizeX]
	return c.aead.Seal(out, nonce, plaintext, buildAAD(aad)), nil
}

// Open decrypts a value produced by Seal with the same aad.
func (c *Cipher) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("sealed value too short")
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("unsupported sealed value version %d", sealed[0])
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := c.aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], buildAAD(aad))
	if err != nil {
		return nil, fmt.Errorf("open sealed value: %w", err)
	}
	return plaintext, nil
}

func buildAAD(aad []byte) []byte {
	out := make([]byte, 1+len(aad))
	out[0] = sealVersion
	copy(out[1:], aad)
	return out
}

// Digest returns a hex keyed BLAKE3 digest of data, domain-separated by
// domain. Equal inputs give equal digests under the same database key.
func (c *Cipher) Digest(domain string, data []byte) string {
	msg := make([]byte, 0, len(domain)+1+len(data))
	msg = append(msg, domain...)
	msg = append(msg, 0)
	msg = append(msg, data...)
	sum := keyedHash(c.digestKey[:], msg)
	return hex.EncodeToString(sum[:])
}

// AAD joins row identity parts with a separator that cannot appear in them.
func AAD(parts ...string) []byte {
	n := 0
	for _, p := range parts {
		n += len(p) + 1
	}
	out := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			out = append(out, 0)
		}
		out = append(out, p...)
	}
	return out
}
