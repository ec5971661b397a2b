package combine

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	decredecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/SafeMPC/lit-client/internal/mpc/aggregate"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
)

const schemeEcdsa = "ecdsa"

// EcdsaShare 节点返回的 ECDSA 签名分片（十六进制字段）
type EcdsaShare struct {
	SigType        protocol.SigType `json:"sigType"`
	SignatureShare string           `json:"signatureShare"`
	BigR           string           `json:"bigR"`
	PublicKey      string           `json:"publicKey"`
	DataSigned     string           `json:"dataSigned"`
	ShareID        string           `json:"shareId"`
	PeerID         string           `json:"peerId"`
	SigName        string           `json:"sigName,omitempty"`
}

type parsedEcdsaShare struct {
	share EcdsaShare
	s     secp256k1.ModNScalar
}

// CombineEcdsa 使用默认合并器
func CombineEcdsa(shares []EcdsaShare, threshold int) (*Signature, error) {
	return defaultCombiner.Ecdsa(shares, threshold)
}

// Ecdsa 合并 ECDSA 分片：节点分片已加权，s = Σ s_i mod n，r = x(R) mod n
//
// 格式错误或与多数 bigR/publicKey/dataSigned 不一致的分片被丢弃；
// 剩余分片少于 threshold 时返回 insufficient_shares。
func (c *Combiner) Ecdsa(shares []EcdsaShare, threshold int) (*Signature, error) {
	if threshold < 1 {
		return nil, protocol.NewInvalidParamError("threshold must be at least 1, got %d", threshold)
	}

	wellFormed := make([]EcdsaShare, 0, len(shares))
	for _, sh := range shares {
		if reason := ecdsaShareProblem(sh); reason != "" {
			c.discard(schemeEcdsa, reason, map[string]string{"share_id": sh.ShareID, "peer_id": sh.PeerID})
			continue
		}
		wellFormed = append(wellFormed, sh)
	}

	if err := sameFamily(wellFormed); err != nil {
		return nil, err
	}
	if len(wellFormed) > 0 && wellFormed[0].SigType != protocol.SigTypeEcdsaK256 {
		return nil, protocol.NewInvalidParamError("unsupported ECDSA curve %s", wellFormed[0].SigType)
	}

	// 以多数值为准，丢弃不一致的分片
	bigR := mostCommonField(wellFormed, func(s EcdsaShare) string { return normHex(s.BigR) })
	pubKey := mostCommonField(wellFormed, func(s EcdsaShare) string { return normHex(s.PublicKey) })
	data := mostCommonField(wellFormed, func(s EcdsaShare) string { return normHex(s.DataSigned) })

	parsed := make([]parsedEcdsaShare, 0, len(wellFormed))
	seen := make(map[string]struct{})
	for _, sh := range wellFormed {
		if normHex(sh.BigR) != bigR || normHex(sh.PublicKey) != pubKey || normHex(sh.DataSigned) != data {
			c.discard(schemeEcdsa, "disagrees with majority", map[string]string{"share_id": sh.ShareID})
			continue
		}
		key := sh.ShareID + "/" + normHex(sh.SignatureShare)
		if _, dup := seen[key]; dup {
			c.discard(schemeEcdsa, "duplicate share", map[string]string{"share_id": sh.ShareID})
			continue
		}
		raw, _ := decodeHex(stripQuotes(sh.SignatureShare))
		var s secp256k1.ModNScalar
		if overflow := s.SetByteSlice(raw); overflow {
			c.discard(schemeEcdsa, "share exceeds group order", map[string]string{"share_id": sh.ShareID})
			continue
		}
		seen[key] = struct{}{}
		parsed = append(parsed, parsedEcdsaShare{share: sh, s: s})
	}

	if len(parsed) < threshold {
		return nil, protocol.NewInsufficientSharesError(schemeEcdsa, len(parsed), threshold)
	}

	rPoint, err := parsePoint(bigR)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidShare, err, "invalid bigR")
	}
	pub, err := parsePoint(pubKey)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidShare, err, "invalid public key")
	}
	hash, err := decodeHex(data)
	if err != nil || len(hash) != 32 {
		return nil, protocol.NewError(protocol.KindInvalidShare, "dataSigned must be a 32 byte hash")
	}

	var s secp256k1.ModNScalar
	for _, p := range parsed {
		s.Add(&p.s)
	}

	var r secp256k1.ModNScalar
	xBytes := rPoint.X().Bytes()
	r.SetByteSlice(xBytes)

	if r.IsZero() || s.IsZero() {
		return nil, protocol.NewError(protocol.KindInvalidShare, "combined signature has zero component")
	}

	if s.IsOverHalfOrder() {
		s.Negate()
	}

	sig := decredecdsa.NewSignature(&r, &s)
	if !sig.Verify(hash, pub) {
		return nil, protocol.NewError(protocol.KindInvalidShare, "combined ECDSA signature does not verify against %s", pubKey)
	}

	rb := r.Bytes()
	sb := s.Bytes()
	recID, err := recoveryID(hash, rb[:], sb[:], pub)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInvalidShare, err, "failed to derive recovery id")
	}

	log.Debug().
		Int("shares", len(parsed)).
		Int("threshold", threshold).
		Int("recid", recID).
		Msg("Combined ECDSA signature")

	return &Signature{
		Signature:  "0x" + hex.EncodeToString(rb[:]) + hex.EncodeToString(sb[:]),
		R:          hex.EncodeToString(rb[:]),
		S:          hex.EncodeToString(sb[:]),
		RecID:      recID,
		PublicKey:  pubKey,
		SignedData: data,
		SigType:    parsed[0].share.SigType,
	}, nil
}

// recoveryID 找到能恢复出 pub 的 v
func recoveryID(hash, r, s []byte, pub *secp256k1.PublicKey) (int, error) {
	want := pub.SerializeUncompressed()
	sig := make([]byte, 65)
	copy(sig[0:32], r)
	copy(sig[32:64], s)
	for v := byte(0); v < 4; v++ {
		sig[64] = v
		got, err := crypto.Ecrecover(hash, sig)
		if err != nil {
			continue
		}
		if bytes.Equal(got, want) {
			return int(v), nil
		}
	}
	return 0, errors.New("no recovery id matches the public key")
}

func ecdsaShareProblem(sh EcdsaShare) string {
	switch {
	case sh.SignatureShare == "":
		return "missing signatureShare"
	case sh.BigR == "":
		return "missing bigR"
	case sh.PublicKey == "":
		return "missing publicKey"
	case sh.DataSigned == "":
		return "missing dataSigned"
	case !sh.SigType.IsEcdsa():
		return fmt.Sprintf("unexpected sigType %q", sh.SigType)
	}
	if _, err := decodeHex(stripQuotes(sh.SignatureShare)); err != nil {
		return "signatureShare is not hex"
	}
	return ""
}

func sameFamily(shares []EcdsaShare) error {
	if len(shares) == 0 {
		return nil
	}
	first := shares[0].SigType
	for _, sh := range shares[1:] {
		if sh.SigType != first {
			return protocol.NewError(protocol.KindInvalidShare, "mixed signature types %s and %s", first, sh.SigType)
		}
	}
	return nil
}

func mostCommonField[T any](shares []T, field func(T) string) string {
	values := make([]string, 0, len(shares))
	for _, s := range shares {
		values = append(values, field(s))
	}
	return aggregate.MostCommonString(values)
}

func parsePoint(h string) (*secp256k1.PublicKey, error) {
	b, err := decodeHex(h)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(b)
}

func normHex(s string) string {
	s = stripQuotes(s)
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	return strings.ToLower(s)
}
