package fakenode

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/big"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// EcdsaKey 测试用 PKP 私钥（完整持有，按请求拆分出加法分片）
type EcdsaKey struct {
	priv *secp256k1.PrivateKey
}

// NewEcdsaKey 生成随机 secp256k1 密钥
func NewEcdsaKey() *EcdsaKey {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		panic(err)
	}
	return &EcdsaKey{priv: priv}
}

// PublicKeyHex 未压缩公钥
func (k *EcdsaKey) PublicKeyHex() string {
	return hex.EncodeToString(k.priv.PubKey().SerializeUncompressed())
}

// PublicKeyBytes 未压缩公钥字节
func (k *EcdsaKey) PublicKeyBytes() []byte {
	return k.priv.PubKey().SerializeUncompressed()
}

// EcdsaShareSet 同一次签名的全部分片
type EcdsaShareSet struct {
	BigR   string
	Shares []string
}

// SignShares 对 32 字节哈希签名，并把 s 拆为 n 个加法分片（和为 s mod n）
// seed 决定随机数 k 与拆分方式，相同 seed 的节点得到一致的结果
func (k *EcdsaKey) SignShares(hash []byte, n int, seed []byte) EcdsaShareSet {
	var z secp256k1.ModNScalar
	z.SetByteSlice(hash)

	nonce := derive(seed, "k", 0)
	var kk secp256k1.ModNScalar
	kk.SetByteSlice(nonce)

	var rPoint secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&kk, &rPoint)
	rPoint.ToAffine()
	bigR := secp256k1.NewPublicKey(&rPoint.X, &rPoint.Y)

	rx := rPoint.X.Bytes()
	var r secp256k1.ModNScalar
	r.SetByteSlice(rx[:])

	var rd, s secp256k1.ModNScalar
	rd.Mul2(&r, &k.priv.Key).Add(&z)
	kinv := new(secp256k1.ModNScalar).InverseValNonConst(&kk)
	s.Mul2(kinv, &rd)

	shares := make([]string, n)
	var rest secp256k1.ModNScalar
	rest.Set(&s)
	for i := 0; i < n-1; i++ {
		var part secp256k1.ModNScalar
		part.SetByteSlice(derive(seed, "share", i))
		b := part.Bytes()
		shares[i] = hex.EncodeToString(b[:])
		var neg secp256k1.ModNScalar
		neg.NegateVal(&part)
		rest.Add(&neg)
	}
	last := rest.Bytes()
	shares[n-1] = hex.EncodeToString(last[:])

	return EcdsaShareSet{
		BigR:   hex.EncodeToString(bigR.SerializeCompressed()),
		Shares: shares,
	}
}

func derive(seed []byte, label string, i int) []byte {
	h := sha256.New()
	h.Write(seed)
	h.Write([]byte(label))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(i))
	h.Write(buf[:])
	return h.Sum(nil)
}

// BlsKey 以 Shamir 方式拆分的 BLS 根密钥，分片索引从 1 开始
type BlsKey struct {
	secret fr.Element
	coeffs []fr.Element
	pub    bls12381.G1Affine
}

// NewBlsKey 生成门限为 threshold 的随机 BLS 密钥
func NewBlsKey(threshold int) *BlsKey {
	coeffs := make([]fr.Element, threshold)
	for i := range coeffs {
		if _, err := coeffs[i].SetRandom(); err != nil {
			panic(err)
		}
	}
	k := &BlsKey{secret: coeffs[0], coeffs: coeffs}
	_, _, g1, _ := bls12381.Generators()
	k.pub.ScalarMultiplication(&g1, coeffs[0].BigInt(new(big.Int)))
	return k
}

// PublicKey 压缩 G1 公钥
func (k *BlsKey) PublicKey() []byte {
	b := k.pub.Bytes()
	return b[:]
}

// PublicKeyHex 压缩 G1 公钥的十六进制
func (k *BlsKey) PublicKeyHex() string {
	return hex.EncodeToString(k.PublicKey())
}

// share f(index)
func (k *BlsKey) share(index int) fr.Element {
	var x, acc fr.Element
	x.SetUint64(uint64(index))
	for i := len(k.coeffs) - 1; i >= 0; i-- {
		acc.Mul(&acc, &x)
		acc.Add(&acc, &k.coeffs[i])
	}
	return acc
}

// SignShare 第 index 个节点对 msg 的部分签名（压缩 G2 十六进制）
func (k *BlsKey) SignShare(index int, msg []byte) string {
	h, err := bls12381.HashToG2(msg, blsDST)
	if err != nil {
		panic(err)
	}
	sk := k.share(index)
	var sig bls12381.G2Affine
	sig.ScalarMultiplication(&h, sk.BigInt(new(big.Int)))
	b := sig.Bytes()
	return hex.EncodeToString(b[:])
}

// Sign 完整签名，用于对照
func (k *BlsKey) Sign(msg []byte) []byte {
	h, err := bls12381.HashToG2(msg, blsDST)
	if err != nil {
		panic(err)
	}
	var sig bls12381.G2Affine
	sig.ScalarMultiplication(&h, k.secret.BigInt(new(big.Int)))
	b := sig.Bytes()
	return b[:]
}

var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")
