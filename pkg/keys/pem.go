// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	pemTypeECPrivate    = "EC PRIVATE KEY"
	pemTypePKCS8Private = "PRIVATE KEY"
	pemTypePKCS1Private = "RSA PRIVATE KEY"
	pemTypePublic       = "PUBLIC KEY"
)

var errNoPEMBlock = errors.New("keys: no PEM block found")

func encodePrivatePEM(key any) (string, error) {
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		der, err := x509.MarshalECPrivateKey(k)
		if err != nil {
			return "", fmt.Errorf("failed to marshal EC private key: %w", err)
		}
		return string(pem.EncodeToMemory(&pem.Block{Type: pemTypeECPrivate, Bytes: der})), nil
	case *rsa.PrivateKey:
		der, err := x509.MarshalPKCS8PrivateKey(k)
		if err != nil {
			return "", fmt.Errorf("failed to marshal RSA private key: %w", err)
		}
		return string(pem.EncodeToMemory(&pem.Block{Type: pemTypePKCS8Private, Bytes: der})), nil
	default:
		return "", fmt.Errorf("unsupported private key type %T", key)
	}
}

func encodePublicPEM(pub any) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemTypePublic, Bytes: der})), nil
}

func decodePrivatePEM(data string) (any, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errNoPEMBlock
	}
	switch block.Type {
	case pemTypeECPrivate:
		return x509.ParseECPrivateKey(block.Bytes)
	case pemTypePKCS1Private:
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case pemTypePKCS8Private:
		return x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

func decodePublicPEM(data string) (any, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errNoPEMBlock
	}
	if block.Type != pemTypePublic {
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}
