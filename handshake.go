package iotready

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/binary"
	"io"
	"net"
)

const (
	handshakeNonceLen    = 40
	sessionMaterialLen   = 40
	sessionCiphertextLen = 128
)

// sessionKeys is the outcome of the TCP handshake: the duplex cipher state
// plus the server-chosen starting point for the message-id counter.
type sessionKeys struct {
	key       []byte
	iv        []byte
	messageID uint16
}

// deriveSessionKeys splits the 40-byte session material: 16 bytes AES key,
// 16 bytes IV, 2 bytes big-endian initial message id.
func deriveSessionKeys(material []byte) (*sessionKeys, error) {
	if len(material) != sessionMaterialLen {
		return nil, &HandshakeError{Reason: "session-material"}
	}
	return &sessionKeys{
		key:       append([]byte(nil), material[0:16]...),
		iv:        append([]byte(nil), material[16:32]...),
		messageID: binary.BigEndian.Uint16(material[32:34]),
	}, nil
}

// performTCPHandshake runs the two-step session establishment on a fresh
// socket:
//
//  1. read the 40-byte server nonce, answer with
//     RSA(serverPub, nonce || deviceID || devicePublicKeyDER)
//  2. read 128 bytes of RSA-encrypted session material plus the server's
//     PKCS#1 v1.5 signature over HMAC-SHA1(ciphertext, material)
//
// The payload in step 1 exceeds a single RSA block, so it is chunked across
// consecutive PKCS#1 v1.5 blocks the same way the cloud expects.
func performTCPHandshake(conn net.Conn, deviceID []byte, devKey *rsa.PrivateKey, serverKey *rsa.PublicKey) (*sessionKeys, error) {
	nonce := make([]byte, handshakeNonceLen)
	if _, err := io.ReadFull(conn, nonce); err != nil {
		return nil, &HandshakeError{Reason: "nonce", Err: err}
	}

	devPubDER, err := x509.MarshalPKIXPublicKey(&devKey.PublicKey)
	if err != nil {
		return nil, &HandshakeError{Reason: "nonce", Err: err}
	}
	payload := make([]byte, 0, len(nonce)+len(deviceID)+len(devPubDER))
	payload = append(payload, nonce...)
	payload = append(payload, deviceID...)
	payload = append(payload, devPubDER...)

	ct, err := rsaEncryptChunked(serverKey, payload)
	if err != nil {
		return nil, &HandshakeError{Reason: "nonce", Err: err}
	}
	if _, err := conn.Write(ct); err != nil {
		return nil, &HandshakeError{Reason: "nonce", Err: err}
	}

	sessionCT := make([]byte, sessionCiphertextLen)
	if _, err := io.ReadFull(conn, sessionCT); err != nil {
		return nil, &HandshakeError{Reason: "session-material", Err: err}
	}
	signature := make([]byte, serverKey.Size())
	if _, err := io.ReadFull(conn, signature); err != nil {
		return nil, &HandshakeError{Reason: "session-material", Err: err}
	}

	material, err := rsa.DecryptPKCS1v15(rand.Reader, devKey, sessionCT)
	if err != nil {
		return nil, &HandshakeError{Reason: "session-material", Err: err}
	}
	if len(material) != sessionMaterialLen {
		return nil, &HandshakeError{Reason: "session-material"}
	}

	mac := hmac.New(sha1.New, material)
	mac.Write(sessionCT)
	if err := rsa.VerifyPKCS1v15(serverKey, 0, mac.Sum(nil), signature); err != nil {
		return nil, &HandshakeError{Reason: "hmac", Err: err}
	}

	return deriveSessionKeys(material)
}

// rsaEncryptChunked encrypts data that may exceed one RSA block by splitting
// it into maximal PKCS#1 v1.5 chunks and concatenating the ciphertext
// blocks.
func rsaEncryptChunked(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	chunkLen := pub.Size() - 11
	var out []byte
	for len(data) > 0 {
		n := len(data)
		if n > chunkLen {
			n = chunkLen
		}
		block, err := rsa.EncryptPKCS1v15(rand.Reader, pub, data[:n])
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
		data = data[n:]
	}
	return out, nil
}
