package iotready

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
)

// devicePrivateKey holds exactly one of the two supported key kinds. The
// transport variant decides which one Begin must have been given: RSA for
// the TCP handshake, EC for DTLS.
type devicePrivateKey struct {
	rsa *rsa.PrivateKey
	ec  *ecdsa.PrivateKey
}

// parseDevicePrivateKey accepts PEM or raw DER in PKCS#1, SEC1 or PKCS#8
// form.
func parseDevicePrivateKey(data []byte) (*devicePrivateKey, error) {
	if len(data) == 0 {
		return nil, &ConfigError{Field: "private key", Msg: "missing"}
	}
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	if k, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return &devicePrivateKey{rsa: k}, nil
	}
	if k, err := x509.ParseECPrivateKey(der); err == nil {
		return &devicePrivateKey{ec: k}, nil
	}
	if k, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		switch key := k.(type) {
		case *rsa.PrivateKey:
			return &devicePrivateKey{rsa: key}, nil
		case *ecdsa.PrivateKey:
			return &devicePrivateKey{ec: key}, nil
		}
		return nil, &ConfigError{Field: "private key", Msg: "unsupported key algorithm"}
	}
	return nil, &ConfigError{Field: "private key", Msg: "not a valid PEM or DER private key"}
}

// serverPublicKey is the pinned cloud identity: RSA for TCP, EC for DTLS.
type serverPublicKey struct {
	rsa *rsa.PublicKey
	ec  *ecdsa.PublicKey
}

func parseServerPublicKey(data []byte) (*serverPublicKey, error) {
	if len(data) == 0 {
		return nil, &ConfigError{Field: "server public key", Msg: "missing"}
	}
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		// some deployments ship the server key in PKCS#1 form
		if k, err2 := x509.ParsePKCS1PublicKey(der); err2 == nil {
			return &serverPublicKey{rsa: k}, nil
		}
		return nil, &ConfigError{Field: "server public key", Msg: "not a valid PEM or DER public key"}
	}
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return &serverPublicKey{rsa: key}, nil
	case *ecdsa.PublicKey:
		return &serverPublicKey{ec: key}, nil
	}
	return nil, &ConfigError{Field: "server public key", Msg: "unsupported key algorithm"}
}
