package iotready

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"testing"
)

func rsaDecryptChunked(key *rsa.PrivateKey, ct []byte) ([]byte, error) {
	if len(ct)%key.Size() != 0 {
		return nil, fmt.Errorf("ciphertext length %d not a multiple of the key size", len(ct))
	}
	var out []byte
	for off := 0; off < len(ct); off += key.Size() {
		plain, err := rsa.DecryptPKCS1v15(rand.Reader, key, ct[off:off+key.Size()])
		if err != nil {
			return nil, fmt.Errorf("decrypt block at %d: %w", off, err)
		}
		out = append(out, plain...)
	}
	return out, nil
}

// TestTCPHandshake drives the full two-step exchange against an in-process
// server and checks the derived session keys.
func TestTCPHandshake(t *testing.T) {
	devKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	serverKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}

	nonce := bytes.Repeat([]byte{0x01}, handshakeNonceLen)
	deviceID := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b}
	material := bytes.Repeat([]byte{0x02}, sessionMaterialLen)

	devConn, srvConn := net.Pipe()
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- func() error {
			if _, err := srvConn.Write(nonce); err != nil {
				return err
			}

			// the device blob is nonce || id || SPKI DER across two RSA blocks
			devPubDER, err := x509.MarshalPKIXPublicKey(&devKey.PublicKey)
			if err != nil {
				return err
			}
			wantLen := len(nonce) + len(deviceID) + len(devPubDER)
			blocks := (wantLen + serverKey.Size() - 11 - 1) / (serverKey.Size() - 11)
			ct := make([]byte, blocks*serverKey.Size())
			if _, err := io.ReadFull(srvConn, ct); err != nil {
				return err
			}
			plain, err := rsaDecryptChunked(serverKey, ct)
			if err != nil {
				return err
			}
			if !bytes.Equal(plain[:len(nonce)], nonce) {
				t.Errorf("nonce not echoed")
			}
			if !bytes.Equal(plain[len(nonce):len(nonce)+len(deviceID)], deviceID) {
				t.Errorf("device id missing from handshake payload")
			}
			if !bytes.Equal(plain[len(nonce)+len(deviceID):], devPubDER) {
				t.Errorf("device public key missing from handshake payload")
			}

			sessionCT, err := rsa.EncryptPKCS1v15(rand.Reader, &devKey.PublicKey, material)
			if err != nil {
				return err
			}
			mac := hmac.New(sha1.New, material)
			mac.Write(sessionCT)
			sig, err := rsa.SignPKCS1v15(rand.Reader, serverKey, 0, mac.Sum(nil))
			if err != nil {
				return err
			}
			if _, err := srvConn.Write(sessionCT); err != nil {
				return err
			}
			_, err = srvConn.Write(sig)
			return err
		}()
	}()

	keys, err := performTCPHandshake(devConn, deviceID, devKey, &serverKey.PublicKey)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server side failed: %v", err)
	}

	if !bytes.Equal(keys.key, bytes.Repeat([]byte{0x02}, 16)) {
		t.Errorf("aes key = %x", keys.key)
	}
	if !bytes.Equal(keys.iv, bytes.Repeat([]byte{0x02}, 16)) {
		t.Errorf("iv = %x", keys.iv)
	}
	if keys.messageID != 0x0202 {
		t.Errorf("initial message id = %#04x want 0x0202", keys.messageID)
	}
}

// TestTCPHandshakeHMACMismatch signs garbage and expects the hmac failure.
func TestTCPHandshakeHMACMismatch(t *testing.T) {
	devKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	serverKey, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	deviceID := make([]byte, deviceIDLen)
	material := bytes.Repeat([]byte{0x02}, sessionMaterialLen)

	devConn, srvConn := net.Pipe()
	go func() {
		nonce := make([]byte, handshakeNonceLen)
		srvConn.Write(nonce)
		devPubDER, _ := x509.MarshalPKIXPublicKey(&devKey.PublicKey)
		wantLen := handshakeNonceLen + deviceIDLen + len(devPubDER)
		blocks := (wantLen + serverKey.Size() - 11 - 1) / (serverKey.Size() - 11)
		io.ReadFull(srvConn, make([]byte, blocks*serverKey.Size()))

		sessionCT, _ := rsa.EncryptPKCS1v15(rand.Reader, &devKey.PublicKey, material)
		bogus := make([]byte, sha1.Size)
		sig, _ := rsa.SignPKCS1v15(rand.Reader, serverKey, 0, bogus)
		srvConn.Write(sessionCT)
		srvConn.Write(sig)
	}()

	_, err = performTCPHandshake(devConn, deviceID, devKey, &serverKey.PublicKey)
	he, ok := err.(*HandshakeError)
	if !ok {
		t.Fatalf("got %v want HandshakeError", err)
	}
	if he.Reason != "hmac" {
		t.Fatalf("reason = %q want hmac", he.Reason)
	}
}

func TestDeriveSessionKeysRejectsShortMaterial(t *testing.T) {
	if _, err := deriveSessionKeys(make([]byte, 39)); err == nil {
		t.Fatal("short material accepted")
	}
}
