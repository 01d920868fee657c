package nostr

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// GeneratePrivateKey returns a fresh hex-encoded secp256k1 private key.
func GeneratePrivateKey() (string, error) {
	sk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return "", err
	}
	defer sk.Zero()
	return hex.EncodeToString(sk.Serialize()), nil
}

// PublicKey derives the x-only hex public key from a hex private key.
func PublicKey(privKeyHex string) (string, error) {
	b, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return "", fmt.Errorf("decode private key: %w", err)
	}
	sk := secp256k1.PrivKeyFromBytes(b)
	defer sk.Zero()
	return hex.EncodeToString(sk.PubKey().SerializeCompressed()[1:]), nil
}

// EncodeNsec renders a hex private key in its bech32 "nsec" form.
func EncodeNsec(privKeyHex string) (string, error) {
	return encodeBech32("nsec", privKeyHex)
}

// EncodeNpub renders a hex public key in its bech32 "npub" form.
func EncodeNpub(pubKeyHex string) (string, error) {
	return encodeBech32("npub", pubKeyHex)
}

// DecodeKey accepts an nsec/npub bech32 string or a raw 64-char hex key and
// returns the hex form.
func DecodeKey(s string) (string, error) {
	if len(s) == 64 {
		if _, err := hex.DecodeString(s); err == nil {
			return s, nil
		}
	}
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return "", fmt.Errorf("decode bech32 key: %w", err)
	}
	if hrp != "nsec" && hrp != "npub" {
		return "", fmt.Errorf("unexpected key prefix %q", hrp)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("convert bech32 bits: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("key payload is %d bytes, want 32", len(raw))
	}
	return hex.EncodeToString(raw), nil
}

func encodeBech32(hrp, keyHex string) (string, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return "", fmt.Errorf("decode hex key: %w", err)
	}
	conv, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert bech32 bits: %w", err)
	}
	return bech32.Encode(hrp, conv)
}
