// Package envelope implements the self-contained encryption envelope used to
// protect file content before it reaches storage. Each envelope embeds its own
// freshly generated key and IV, so the encoded string alone is sufficient to
// recover the plaintext: it protects against passive inspection of the storage
// layer, not against whoever holds the envelope itself.
//
// Wire layout, fixed for interoperability with previously stored envelopes:
//
//	transport = base64url_nopad( JSON{ "k": hex(key), "i": hex(iv),
//	                                   "d": base64(ciphertext), "s": length } )
//
// The cipher is AES-256-CBC with PKCS#7 padding. Because padding rounds the
// plaintext up to a block boundary, the original byte length is carried in the
// envelope and is authoritative when trimming on decode.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the CBC initialization vector length in bytes.
	IVSize = aes.BlockSize
	// MaxPayloadSize is the upload size bound (10 MiB).
	MaxPayloadSize = 10 << 20
)

var (
	// ErrPayloadTooLarge is returned before any cryptographic work when the
	// payload exceeds the size bound.
	ErrPayloadTooLarge = errors.New("payload exceeds size limit")
	// ErrEmptyInput is returned when the envelope string is empty.
	ErrEmptyInput = errors.New("empty envelope")
	// ErrMalformedTransport is returned when the base64 transport layer
	// cannot be decoded.
	ErrMalformedTransport = errors.New("malformed transport encoding")
	// ErrInvalidStructure is returned when the decoded envelope is not
	// valid JSON.
	ErrInvalidStructure = errors.New("invalid envelope structure")
	// ErrIncompleteEnvelope is returned when a required field is absent.
	ErrIncompleteEnvelope = errors.New("incomplete envelope")
	// ErrDecryptionFailed is returned when the cryptographic transform
	// fails; it wraps the underlying cause.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// wireEnvelope is the JSON shape of the envelope. Length is a pointer so a
// missing field is distinguishable from a legitimate zero-byte payload.
type wireEnvelope struct {
	Key        string `json:"k"`
	IV         string `json:"i"`
	Ciphertext string `json:"d"`
	Length     *int   `json:"s"`
}

// File is the decoded result delivered to the caller: the recovered bytes
// plus the name and content type under which they should be served or saved.
type File struct {
	Name string
	MIME string
	Data []byte
}

// Encode encrypts payload under a fresh random key/IV and returns the
// transport-encoded envelope string. The size check runs first; an oversized
// payload is rejected before any key material is generated. maxSize is
// usually MaxPayloadSize.
func Encode(payload []byte, maxSize int) (string, error) {
	if len(payload) > maxSize {
		return "", fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), maxSize)
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	padded := pkcs7Pad(payload, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	length := len(payload)
	raw, err := json.Marshal(wireEnvelope{
		Key:        hex.EncodeToString(key),
		IV:         hex.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Length:     &length,
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode: it strips the transport encoding, validates the
// envelope structure, decrypts the ciphertext, and trims the result to the
// recorded plaintext length. name and mimeType default to "download" and
// "application/octet-stream" when empty.
//
// Validation failures map to distinct sentinel errors in a fixed order so
// callers can tell a truncated copy from a corrupted one.
func Decode(encoded, name, mimeType string) (*File, error) {
	if encoded == "" {
		return nil, ErrEmptyInput
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		// Tolerate the standard alphabet for envelopes that passed
		// through a padding-preserving channel.
		raw, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrMalformedTransport, err)
		}
	}

	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStructure, err)
	}

	// Presence checks are explicit: a Length of 0 is a valid empty payload,
	// only a nil pointer means the field was absent.
	if env.Key == "" || env.IV == "" || env.Ciphertext == "" || env.Length == nil {
		return nil, ErrIncompleteEnvelope
	}

	plaintext, err := decrypt(&env)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecryptionFailed, err)
	}

	if name == "" {
		name = "download"
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &File{Name: name, MIME: mimeType, Data: plaintext}, nil
}

func decrypt(env *wireEnvelope) ([]byte, error) {
	key, err := hex.DecodeString(env.Key)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(key), KeySize)
	}

	iv, err := hex.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv is %d bytes, want %d", len(iv), IVSize)
	}

	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not block aligned", len(ct))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	padded := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)

	// The recorded length is authoritative over the PKCS#7 padding: copy
	// exactly that many bytes and discard the rest.
	n := *env.Length
	if n < 0 || n > len(padded) {
		return nil, fmt.Errorf("recorded length %d out of range for %d decrypted bytes", n, len(padded))
	}
	if len(padded)-n > aes.BlockSize {
		return nil, fmt.Errorf("recorded length %d leaves more than one block of padding", n)
	}

	return bytes.Clone(padded[:n]), nil
}

// pkcs7Pad appends PKCS#7 padding up to the next multiple of blockSize. A
// payload already on a block boundary gets a full block of padding.
func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}
