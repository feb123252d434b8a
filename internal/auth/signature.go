package auth

import (
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// VerifySignature recovers the signer address from a keccak256 hash of
// message and the given 65-byte recoverable signature, and compares it to
// claimedAddress (case-insensitive). It is the sole authentication gate for
// every mutating operation, so it fails closed: malformed input or a
// recovery error yields false, never a panic or an error.
func VerifySignature(message []byte, signatureHex, claimedAddress string) bool {
	if len(message) == 0 || signatureHex == "" || claimedAddress == "" {
		return false
	}

	sig, err := decodeSignature(signatureHex)
	if err != nil {
		logrus.WithError(err).Debug("malformed signature")
		return false
	}

	hash := crypto.Keccak256(message)
	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		logrus.WithError(err).Debug("signature recovery failed")
		return false
	}

	signer := strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex())
	return signer == strings.ToLower(claimedAddress)
}

// decodeSignature decodes a 0x-prefixed hex signature and normalizes the
// recovery id: wallets emit V as 27/28, secp256k1 recovery expects 0/1.
func decodeSignature(signatureHex string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return nil, err
	}
	if len(sig) != 65 {
		return nil, errSignatureLength
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	return sig, nil
}

var errSignatureLength = errors.New("signature must be 65 bytes")
