package combine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
)

const (
	ibeInfo      = "lit-ibe-v1"
	ibeNonceSize = 12
	g1Size       = bls12381.SizeOfG1AffineCompressed
)

// EncryptWithIdentity 以网络公钥对 identity 做 IBE 加密
// 密文格式：U(G1 压缩) || nonce || AES-256-GCM 密文
func EncryptWithIdentity(networkPubKey []byte, identity, plaintext []byte) ([]byte, error) {
	var pk bls12381.G1Affine
	if _, err := pk.SetBytes(networkPubKey); err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidParam, err, "invalid network public key")
	}
	if len(identity) == 0 {
		return nil, protocol.NewInvalidParamError("identity is required")
	}

	var r fr.Element
	if _, err := r.SetRandom(); err != nil {
		return nil, errors.Wrap(err, "failed to sample encryption scalar")
	}
	rb := r.BigInt(new(big.Int))

	_, _, g1, _ := bls12381.Generators()
	var u, rPK bls12381.G1Affine
	u.ScalarMultiplication(&g1, rb)
	rPK.ScalarMultiplication(&pk, rb)

	h, err := bls12381.HashToG2(identity, BlsDST)
	if err != nil {
		return nil, errors.Wrap(err, "failed to hash identity")
	}

	uBytes := u.Bytes()
	key, err := ibeKey(rPK, h, uBytes[:])
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, ibeNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}

	out := make([]byte, 0, g1Size+ibeNonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, uBytes[:]...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, identity)
	return out, nil
}

// DecryptWithSignatureShares 合并节点对 identity 的 BLS 签名分片并解密
func DecryptWithSignatureShares(networkPubKey, identity, ciphertext []byte, shares []BlsShare, threshold int) ([]byte, error) {
	return defaultCombiner.Decrypt(networkPubKey, identity, ciphertext, shares, threshold)
}

// Decrypt 合并分片得到 σ_id = sk·H(id)，密钥为 HKDF(e(U, σ_id))
func (c *Combiner) Decrypt(networkPubKey, identity, ciphertext []byte, shares []BlsShare, threshold int) ([]byte, error) {
	if len(ciphertext) < g1Size+ibeNonceSize {
		return nil, protocol.NewInvalidParamError("ciphertext is too short")
	}

	sig, err := c.Bls(shares, threshold)
	if err != nil {
		return nil, err
	}

	if sig.SignedData != hex.EncodeToString(identity) {
		return nil, protocol.NewError(protocol.KindInvalidShare, "signature shares were produced for a different identity")
	}
	if normHex(sig.PublicKey) != hex.EncodeToString(networkPubKey) {
		return nil, protocol.NewError(protocol.KindInvalidShare, "signature shares were produced under a different network key")
	}

	sigBytes, err := decodeHex(sig.Signature)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidShare, err, "combined signature is not hex")
	}
	var sigma bls12381.G2Affine
	if _, err := sigma.SetBytes(sigBytes); err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidShare, err, "combined signature is not a G2 point")
	}

	uBytes := ciphertext[:g1Size]
	var u bls12381.G1Affine
	if _, err := u.SetBytes(uBytes); err != nil {
		return nil, protocol.WrapError(protocol.KindDecryptionFailed, err, "invalid ciphertext header")
	}

	key, err := ibeKey(u, sigma, uBytes)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := ciphertext[g1Size : g1Size+ibeNonceSize]
	plaintext, err := gcm.Open(nil, nonce, ciphertext[g1Size+ibeNonceSize:], identity)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindDecryptionFailed, err, "failed to decrypt ciphertext")
	}
	return plaintext, nil
}

func ibeKey(p bls12381.G1Affine, q bls12381.G2Affine, salt []byte) ([]byte, error) {
	gt, err := bls12381.Pair([]bls12381.G1Affine{p}, []bls12381.G2Affine{q})
	if err != nil {
		return nil, errors.Wrap(err, "pairing failed")
	}
	secret := gt.Bytes()

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret[:], salt, []byte(ibeInfo)), key); err != nil {
		return nil, errors.Wrap(err, "failed to derive key")
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCM")
	}
	return gcm, nil
}
