package resource

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
)

// Decryptor расшифровывает сохранённый токен учётной записи.
type Decryptor interface {
	Decrypt(ciphertext string) (string, error)
}

// RSADecryptor — RSA-OAEP (SHA-256) поверх base64.
type RSADecryptor struct {
	key *rsa.PrivateKey
}

// NewRSADecryptor создаёт Decryptor из PEM (PKCS#1 или PKCS#8).
func NewRSADecryptor(pemBytes []byte) (*RSADecryptor, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("decode pem: no block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &RSADecryptor{key: key}, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse private key: not an RSA key")
	}
	return &RSADecryptor{key: key}, nil
}

// LoadRSADecryptor читает PEM-ключ из файла.
func LoadRSADecryptor(path string) (*RSADecryptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	return NewRSADecryptor(data)
}

// Decrypt расшифровывает base64-шифротекст.
func (d *RSADecryptor) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrDecrypt, err)
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), nil, d.key, raw, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

// noKey используется, когда ключ не настроен: все токены пула пропускаются.
type noKey struct{}

func (noKey) Decrypt(string) (string, error) {
	return "", ErrNoKey
}
