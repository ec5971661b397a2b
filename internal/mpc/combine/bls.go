package combine

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"strconv"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
)

const schemeBls = "bls"

// BlsDST 签名与身份哈希使用的域分隔标签
var BlsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// BlsShare 节点返回的 BLS 签名分片：G2 上的部分签名，公钥在 G1
type BlsShare struct {
	ShareIndex     int    `json:"shareIndex"`
	SignatureShare string `json:"signatureShare"`
	CurveType      string `json:"curveType"`
	DataSigned     string `json:"dataSigned"`
	RootPublicKey  string `json:"blsRootPubkey"`
	Result         string `json:"result"`
	SiweMessage    string `json:"siweMessage,omitempty"`
}

type parsedBlsShare struct {
	index int
	point bls12381.G2Affine
}

// CombineBls 使用默认合并器
func CombineBls(shares []BlsShare, threshold int) (*Signature, error) {
	return defaultCombiner.Bls(shares, threshold)
}

// Bls 以拉格朗日插值在 0 点合并 BLS 分片并用根公钥验证
//
// 缺少必填字段的分片被丢弃；签名消息与公钥取各分片 dataSigned/siweMessage
// 与根公钥的多数值，不一致的分片同样丢弃。
func (c *Combiner) Bls(shares []BlsShare, threshold int) (*Signature, error) {
	if threshold < 1 {
		return nil, protocol.NewInvalidParamError("threshold must be at least 1, got %d", threshold)
	}

	valid := make([]BlsShare, 0, len(shares))
	for _, sh := range shares {
		if reason := blsShareProblem(sh); reason != "" {
			c.discard(schemeBls, reason, map[string]string{"share_index": strconv.Itoa(sh.ShareIndex)})
			continue
		}
		valid = append(valid, sh)
	}

	data := mostCommonField(valid, func(s BlsShare) string { return normHex(s.DataSigned) })
	root := mostCommonField(valid, func(s BlsShare) string { return normHex(s.RootPublicKey) })
	curve := mostCommonField(valid, func(s BlsShare) string { return s.CurveType })
	siwe := mostCommonField(valid, func(s BlsShare) string { return s.SiweMessage })

	parsed := make([]parsedBlsShare, 0, len(valid))
	seen := make(map[int]struct{})
	for _, sh := range valid {
		fields := map[string]string{"share_index": strconv.Itoa(sh.ShareIndex)}
		if normHex(sh.DataSigned) != data || normHex(sh.RootPublicKey) != root || sh.CurveType != curve {
			c.discard(schemeBls, "disagrees with majority", fields)
			continue
		}
		if _, dup := seen[sh.ShareIndex]; dup {
			c.discard(schemeBls, "duplicate share index", fields)
			continue
		}
		raw, err := decodeHex(stripQuotes(sh.SignatureShare))
		if err != nil {
			c.discard(schemeBls, "signatureShare is not hex", fields)
			continue
		}
		var p bls12381.G2Affine
		if _, err := p.SetBytes(raw); err != nil {
			c.discard(schemeBls, "signatureShare is not a G2 point", fields)
			continue
		}
		seen[sh.ShareIndex] = struct{}{}
		parsed = append(parsed, parsedBlsShare{index: sh.ShareIndex, point: p})
	}

	if len(parsed) < threshold {
		return nil, protocol.NewInsufficientSharesError(schemeBls, len(parsed), threshold)
	}

	msg, err := decodeHex(data)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidShare, err, "dataSigned is not hex")
	}
	if siwe != "" {
		digest := sha256.Sum256([]byte(siwe))
		if normHex(hex.EncodeToString(digest[:])) != data {
			return nil, protocol.NewError(protocol.KindInvalidShare, "dataSigned does not match the signed SIWE message")
		}
	}
	rootBytes, err := decodeHex(root)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidShare, err, "root public key is not hex")
	}

	// 任意 threshold 个分片即可确定次数为 threshold-1 的多项式；
	// 格式正确但数值错误的分片只能靠验签发现，因此依次尝试不同的子集
	var (
		sigBytes []byte
		lastErr  error
		tried    int
	)
	subset := make([]parsedBlsShare, threshold)
	eachSubset(len(parsed), threshold, maxBlsSubsets, func(idx []int) bool {
		tried++
		for i, j := range idx {
			subset[i] = parsed[j]
		}
		combined, err := interpolateG2(subset)
		if err != nil {
			lastErr = err
			return true
		}
		b := combined.Bytes()
		if err := VerifyBls(rootBytes, msg, b[:]); err != nil {
			lastErr = err
			return true
		}
		sigBytes = b[:]
		return false
	})
	if sigBytes == nil {
		return nil, protocol.WrapError(protocol.KindInvalidShare, lastErr, "combined BLS signature does not verify")
	}
	if tried > 1 {
		log.Warn().
			Int("shares", len(parsed)).
			Int("threshold", threshold).
			Int("subsets_tried", tried).
			Msg("Combined BLS signature after excluding divergent shares")
		c.metrics.DiscardedShares(schemeBls, len(parsed)-threshold)
	}

	log.Debug().
		Int("shares", len(parsed)).
		Int("threshold", threshold).
		Msg("Combined BLS signature")

	return &Signature{
		Signature:   hex.EncodeToString(sigBytes[:]),
		PublicKey:   root,
		SignedData:  data,
		SigType:     protocol.SigType(curve),
		SiweMessage: siwe,
	}, nil
}

// maxBlsSubsets 合并时最多尝试的分片子集数
const maxBlsSubsets = 256

// eachSubset 按字典序枚举 {0..n-1} 的 k 元子集，fn 返回 false 或达到 limit 时停止
func eachSubset(n, k, limit int, fn func(idx []int) bool) {
	if k < 1 || k > n {
		return
	}
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i
	}
	for count := 0; count < limit; count++ {
		if !fn(idx) {
			return
		}
		i := k - 1
		for i >= 0 && idx[i] == n-k+i {
			i--
		}
		if i < 0 {
			return
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

// VerifyBls 验证 G2 签名：e(pk, H(m)) == e(g1, sig)
func VerifyBls(pub, msg, sig []byte) error {
	var pk bls12381.G1Affine
	if _, err := pk.SetBytes(pub); err != nil {
		return errors.Wrap(err, "invalid BLS public key")
	}
	var s bls12381.G2Affine
	if _, err := s.SetBytes(sig); err != nil {
		return errors.Wrap(err, "invalid BLS signature")
	}
	h, err := bls12381.HashToG2(msg, BlsDST)
	if err != nil {
		return errors.Wrap(err, "failed to hash message to G2")
	}

	_, _, g1, _ := bls12381.Generators()
	var negG1 bls12381.G1Affine
	negG1.Neg(&g1)

	ok, err := bls12381.PairingCheck([]bls12381.G1Affine{negG1, pk}, []bls12381.G2Affine{s, h})
	if err != nil {
		return errors.Wrap(err, "pairing check failed")
	}
	if !ok {
		return errors.New("BLS signature is invalid")
	}
	return nil
}

// interpolateG2 Σ λ_i·σ_i，λ_i 为 x=0 处的拉格朗日系数，x_i = shareIndex
func interpolateG2(shares []parsedBlsShare) (*bls12381.G2Affine, error) {
	xs := make([]fr.Element, len(shares))
	for i, sh := range shares {
		if sh.index < 1 {
			return nil, errors.Errorf("share index must be positive, got %d", sh.index)
		}
		xs[i].SetUint64(uint64(sh.index))
	}

	var acc bls12381.G2Jac
	for i := range shares {
		lambda, err := lagrangeAtZero(xs, i)
		if err != nil {
			return nil, err
		}
		var term bls12381.G2Affine
		term.ScalarMultiplication(&shares[i].point, lambda)
		acc.AddMixed(&term)
	}

	var out bls12381.G2Affine
	out.FromJacobian(&acc)
	return &out, nil
}

func lagrangeAtZero(xs []fr.Element, i int) (*big.Int, error) {
	num := fr.One()
	den := fr.One()
	for j := range xs {
		if j == i {
			continue
		}
		var diff fr.Element
		diff.Sub(&xs[j], &xs[i])
		if diff.IsZero() {
			return nil, errors.New("duplicate share index")
		}
		num.Mul(&num, &xs[j])
		den.Mul(&den, &diff)
	}
	var inv, lambda fr.Element
	inv.Inverse(&den)
	lambda.Mul(&num, &inv)
	return lambda.BigInt(new(big.Int)), nil
}

func blsShareProblem(sh BlsShare) string {
	switch {
	case sh.SignatureShare == "":
		return "missing signatureShare"
	case sh.CurveType == "":
		return "missing curveType"
	case sh.DataSigned == "":
		return "missing dataSigned"
	case sh.RootPublicKey == "":
		return "missing root public key"
	case sh.Result == "":
		return "missing result"
	case !protocol.SigType(sh.CurveType).IsBls():
		return "curveType is not BLS"
	case sh.ShareIndex < 1:
		return "missing share index"
	}
	return ""
}
