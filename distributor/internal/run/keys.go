package run

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

var ErrPassphraseRequired = errors.New("encrypted key found but no passphrase was provided")

// LoadKeys reads sender private keys from path. Accepted shapes are a JSON
// object {"sender": "<base58>"}, a Solana keygen JSON byte array, a JSON array
// of base58 strings, or a line list whose first comma-separated field is a
// base58 key. Line list entries may be encrypted as ivhex:cipherhex.
func LoadKeys(path, passphrase string) ([]solana.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	keys, err := ParseKeys(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
	}
	return keys, nil
}

func ParseKeys(data []byte, passphrase string) ([]solana.PrivateKey, error) {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))
	if len(trimmed) == 0 {
		return nil, errors.New("no keys found")
	}

	var keys []solana.PrivateKey
	var err error
	switch trimmed[0] {
	case '{':
		keys, err = parseSenderObject(trimmed, passphrase)
	case '[':
		keys, err = parseJSONArray(trimmed, passphrase)
	default:
		keys, err = parseLines(trimmed, passphrase)
	}
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, errors.New("no keys found")
	}

	seen := make(map[solana.PublicKey]struct{}, len(keys))
	for _, k := range keys {
		pub := k.PublicKey()
		if _, ok := seen[pub]; ok {
			return nil, fmt.Errorf("duplicate sender %s", pub)
		}
		seen[pub] = struct{}{}
	}
	return keys, nil
}

func parseSenderObject(data []byte, passphrase string) ([]solana.PrivateKey, error) {
	var obj struct {
		Sender string `json:"sender"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("invalid key object: %w", err)
	}
	if obj.Sender == "" {
		return nil, errors.New(`key object has no "sender" field`)
	}
	k, err := decodeEntry(obj.Sender, passphrase)
	if err != nil {
		return nil, err
	}
	return []solana.PrivateKey{k}, nil
}

func parseJSONArray(data []byte, passphrase string) ([]solana.PrivateKey, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid key array: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var first string
	if json.Unmarshal(raw[0], &first) != nil {
		// Solana keygen format: one keypair as an array of byte values.
		var b []uint8
		var ints []int
		if err := json.Unmarshal(data, &ints); err != nil {
			return nil, fmt.Errorf("invalid keygen array: %w", err)
		}
		for _, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("keygen array value %d out of byte range", v)
			}
			b = append(b, uint8(v))
		}
		k, err := checkKey(b)
		if err != nil {
			return nil, err
		}
		return []solana.PrivateKey{k}, nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("invalid key list: %w", err)
	}
	keys := make([]solana.PrivateKey, 0, len(list))
	for i, s := range list {
		k, err := decodeEntry(s, passphrase)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i+1, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func parseLines(data []byte, passphrase string) ([]solana.PrivateKey, error) {
	var keys []solana.PrivateKey
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		field, _, _ := strings.Cut(text, ",")
		field = strings.Trim(strings.TrimSpace(field), `"`)

		k, err := decodeEntry(field, passphrase)
		if err != nil {
			if len(keys) == 0 && isHeader(field) {
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		keys = append(keys, k)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan key file: %w", err)
	}
	return keys, nil
}

// isHeader reports whether a leading field is a column name rather than a key.
func isHeader(field string) bool {
	if field == "" || len(field) >= 64 || isEncrypted(field) {
		return false
	}
	for _, r := range field {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' && r != ' ' {
			return false
		}
	}
	return true
}

func decodeEntry(s, passphrase string) (solana.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if isEncrypted(s) {
		if passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		plain, err := decrypt(s, passphrase)
		if err != nil {
			return nil, err
		}
		s = strings.TrimSpace(plain)
	}
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base58 key: %w", err)
	}
	return checkKey(b)
}

// checkKey verifies that b is a 64-byte ed25519 keypair whose public half
// matches its seed.
func checkKey(b []byte) (solana.PrivateKey, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	derived := ed25519.NewKeyFromSeed(b[:ed25519.SeedSize])
	if !bytes.Equal(derived[ed25519.SeedSize:], b[ed25519.SeedSize:]) {
		return nil, errors.New("private key does not match its public key")
	}
	return solana.PrivateKey(b), nil
}

// isEncrypted matches the ivhex:cipherhex shape.
func isEncrypted(s string) bool {
	iv, ct, ok := strings.Cut(s, ":")
	if !ok || len(iv) != 2*aes.BlockSize || len(ct) == 0 || len(ct)%(2*aes.BlockSize) != 0 {
		return false
	}
	_, err1 := hex.DecodeString(iv)
	_, err2 := hex.DecodeString(ct)
	return err1 == nil && err2 == nil
}

// decrypt reverses AES-256-CBC with PKCS#7 padding, keyed by SHA-256 of the passphrase.
func decrypt(s, passphrase string) (string, error) {
	ivHex, ctHex, _ := strings.Cut(s, ":")
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", fmt.Errorf("invalid iv: %w", err)
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext: %w", err)
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(ct) == 0 || len(ct)%block.BlockSize() != 0 {
		return "", errors.New("ciphertext is not a whole number of blocks")
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > block.BlockSize() || pad > len(plain) {
		return "", errors.New("failed to decrypt key: wrong passphrase or corrupt data")
	}
	for _, p := range plain[len(plain)-pad:] {
		if int(p) != pad {
			return "", errors.New("failed to decrypt key: wrong passphrase or corrupt data")
		}
	}
	return string(plain[:len(plain)-pad]), nil
}
