package ipmi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
)

// Algorithm identifiers negotiated in the open session exchange
const (
	AuthRAKPHMACSHA1      = 0x01
	AuthRAKPHMACSHA256    = 0x03
	IntegrityHMACSHA196   = 0x01
	IntegrityHMACSHA256   = 0x04
	ConfidentialityAES128 = 0x01
)

// cipherSuite is one supported combination of RMCP+ algorithms.
type cipherSuite struct {
	id          uint8
	auth        uint8
	integrity   uint8
	conf        uint8
	hash        func() hash.Hash
	icvLen      int // RAKP4 integrity check value length
	authCodeLen int // per-packet integrity code length
}

var cipherSuites = []*cipherSuite{
	{id: 3, auth: AuthRAKPHMACSHA1, integrity: IntegrityHMACSHA196, conf: ConfidentialityAES128, hash: sha1.New, icvLen: 12, authCodeLen: 12},
	{id: 17, auth: AuthRAKPHMACSHA256, integrity: IntegrityHMACSHA256, conf: ConfidentialityAES128, hash: sha256.New, icvLen: 16, authCodeLen: 16},
}

// negotiateSuite returns the suite matching the proposed algorithms, or the
// RMCP+ status code explaining the refusal.
func negotiateSuite(auth, integrity, conf uint8) (*cipherSuite, uint8) {
	var authOK, integrityOK bool
	for _, cs := range cipherSuites {
		if cs.auth == auth {
			authOK = true
		}
		if cs.integrity == integrity {
			integrityOK = true
		}
	}
	switch {
	case !authOK:
		return nil, StatusInvalidAuthAlgorithm
	case !integrityOK:
		return nil, StatusInvalidIntegrityAlg
	case conf != ConfidentialityAES128:
		return nil, StatusInvalidConfidentiality
	}
	for _, cs := range cipherSuites {
		if cs.auth == auth && cs.integrity == integrity && cs.conf == conf {
			return cs, StatusOK
		}
	}
	return nil, StatusNoCipherSuiteMatch
}

// cipherSuiteRecords is the Get Channel Cipher Suites record data.
func cipherSuiteRecords() []byte {
	var out []byte
	for _, cs := range cipherSuites {
		out = append(out, 0xC0, cs.id, cs.auth, 0x40|cs.integrity, 0x80|cs.conf)
	}
	return out
}

func (cs *cipherSuite) mac(key []byte, parts ...[]byte) []byte {
	m := hmac.New(cs.hash, key)
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}

var (
	constK1 = repeatByte(0x01, 20)
	constK2 = repeatByte(0x02, 20)
)

func repeatByte(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// AES-CBC-128 encryption; the result is IV followed by ciphertext
func encryptAESCBC(key []byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, err
	}

	padded := padPayload(plaintext)

	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(out[aes.BlockSize:], padded)
	return out, nil
}

// AES-CBC-128 decryption
func decryptAESCBC(key []byte, data []byte) ([]byte, error) {
	if len(data) < 2*aes.BlockSize {
		return nil, malformed("encrypted data too short")
	}

	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, err
	}

	iv := data[:aes.BlockSize]
	ciphertext := data[aes.BlockSize:]

	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, malformed("ciphertext not aligned to block size")
	}

	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plaintext, ciphertext)

	return unpadPayload(plaintext)
}

// padPayload appends the confidentiality trailer: pad bytes 1, 2, ... N
// followed by the pad length N.
func padPayload(data []byte) []byte {
	padSize := aes.BlockSize - (len(data) % aes.BlockSize)
	out := make([]byte, len(data), len(data)+padSize)
	copy(out, data)
	for i := 1; i < padSize; i++ {
		out = append(out, byte(i))
	}
	return append(out, byte(padSize-1))
}

func unpadPayload(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, malformed("empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen >= len(data) || padLen >= aes.BlockSize {
		return nil, malformed("invalid padding length: %d", padLen)
	}
	pad := data[len(data)-1-padLen : len(data)-1]
	for i, b := range pad {
		if b != byte(i+1) {
			return nil, malformed("invalid padding byte at %d", i)
		}
	}
	return data[:len(data)-padLen-1], nil
}

func (cs *cipherSuite) String() string {
	return fmt.Sprintf("suite %d", cs.id)
}
