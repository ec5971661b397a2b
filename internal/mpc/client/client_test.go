package client_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/SafeMPC/lit-client/internal/auth"
	"github.com/SafeMPC/lit-client/internal/config"
	"github.com/SafeMPC/lit-client/internal/infra/storage"
	"github.com/SafeMPC/lit-client/internal/mpc/aggregate"
	"github.com/SafeMPC/lit-client/internal/mpc/client"
	"github.com/SafeMPC/lit-client/internal/mpc/node"
	"github.com/SafeMPC/lit-client/internal/mpc/protocol"
	"github.com/SafeMPC/lit-client/internal/mpc/wire"
	"github.com/SafeMPC/lit-client/internal/test/fakenode"
)

type mockSigner struct {
	mock.Mock
	inner *auth.PrivateKeySigner
}

func newMockSigner(t *testing.T) *mockSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s := &mockSigner{inner: auth.NewPrivateKeySigner(key)}
	s.On("SignPersonalMessage", mock.Anything).Return()
	return s
}

func (m *mockSigner) Address() common.Address {
	return m.inner.Address()
}

func (m *mockSigner) SignPersonalMessage(ctx context.Context, message []byte) ([]byte, error) {
	m.Called(string(message))
	return m.inner.SignPersonalMessage(ctx, message)
}

func testConfig(urls []string) config.Client {
	return config.Client{
		Network:        protocol.NetworkCustom,
		BootstrapURLs:  urls,
		MinNodeCount:   2,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 5 * time.Second,
		Retry: config.Retry{
			MaxAttempts:    1,
			Timeout:        5 * time.Second,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
			Multiplier:     1,
		},
		Session: config.Session{
			Domain:        "localhost",
			DelegationTTL: time.Hour,
			SessionSigTTL: 5 * time.Minute,
		},
		Storage: config.Storage{Provider: "memory", KeyPrefix: "test"},
	}
}

type fixture struct {
	net    *fakenode.Network
	client *client.Client
	store  *storage.Store
}

func newFixture(t *testing.T, netCfg fakenode.Config, opts ...client.Option) *fixture {
	t.Helper()
	net := fakenode.NewNetwork(netCfg)
	t.Cleanup(net.Close)

	store := storage.NewMemoryStore("test", protocol.NetworkCustom)
	opts = append([]client.Option{
		client.WithStorage(store),
		client.WithPriceOracle(node.NewStaticPriceOracle(net.Prices())),
		client.WithMetricsRegisterer(prometheus.NewRegistry()),
	}, opts...)

	c, err := client.New(context.Background(), testConfig(net.URLs()), opts...)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	return &fixture{net: net, client: c, store: store}
}

func (f *fixture) requests(endpoint string) int {
	total := 0
	for i := range f.net.URLs() {
		total += f.net.Node(i).Requests(endpoint)
	}
	return total
}

func eoaContext(t *testing.T, signer auth.Signer, requests ...auth.ResourceAbilityRequest) auth.AuthContext {
	t.Helper()
	ac, err := auth.NewEoaContext(auth.EoaParams{
		Signer: signer,
		Common: auth.Common{ResourceAbilityRequests: requests},
	})
	require.NoError(t, err)
	return ac
}

func pkpSigning() auth.ResourceAbilityRequest {
	return auth.ResourceAbilityRequest{Resource: auth.NewResource(auth.ResourcePKP, "*"), Ability: auth.AbilityPKPSigning}
}

func decryption() auth.ResourceAbilityRequest {
	return auth.ResourceAbilityRequest{Resource: auth.NewResource(auth.ResourceAccessControlCondition, "*"), Ability: auth.AbilityAccessControlConditionDecryption}
}

func execution() auth.ResourceAbilityRequest {
	return auth.ResourceAbilityRequest{Resource: auth.NewResource(auth.ResourceLitAction, "*"), Ability: auth.AbilityLitActionExecution}
}

func digest(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}

func TestConnectResolvesNetworkState(t *testing.T) {
	f := newFixture(t, fakenode.Config{Nodes: 5, Threshold: 3, ReportThreshold: true, Epoch: 7})

	st, err := f.client.State()
	require.NoError(t, err)
	assert.Equal(t, 5, st.NodeSet.Size())
	assert.Equal(t, 3, st.NodeSet.Threshold())
	assert.Equal(t, uint64(7), st.Epoch)
	assert.Equal(t, f.net.BlsKey().PublicKeyHex(), st.NetworkPublicKey)
	assert.Equal(t, f.net.LatestBlockhash(), st.LatestBlockhash)
	assert.Len(t, st.ServerKeys, 5)

	f.client.Disconnect()
	_, err = f.client.State()
	assert.True(t, protocol.IsKind(err, protocol.KindNotConnected))
}

func TestConnectDerivesThresholdWhenNotReported(t *testing.T) {
	f := newFixture(t, fakenode.Config{Nodes: 7, Threshold: 4})

	st, err := f.client.State()
	require.NoError(t, err)
	assert.Equal(t, node.Threshold(7), st.NodeSet.Threshold())
}

func TestConnectKeepsOnlyHandshakeResponders(t *testing.T) {
	net := fakenode.NewNetwork(fakenode.Config{Nodes: 4, Threshold: 3, ReportThreshold: true})
	defer net.Close()
	net.Node(2).Fail(http.StatusBadGateway)

	c, err := client.New(context.Background(), testConfig(net.URLs()), client.WithStorage(storage.NewMemoryStore("test", "custom")))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	st, err := c.State()
	require.NoError(t, err)
	urls := net.URLs()
	assert.Equal(t, []string{urls[0], urls[1], urls[3]}, st.NodeSet.URLs())
	assert.Equal(t, 3, st.NodeSet.Threshold())
}

func TestOperationsRequireConnect(t *testing.T) {
	net := fakenode.NewNetwork(fakenode.Config{Nodes: 3})
	defer net.Close()

	c, err := client.New(context.Background(), testConfig(net.URLs()), client.WithStorage(storage.NewMemoryStore("test", "custom")))
	require.NoError(t, err)

	_, err = c.PKPSign(context.Background(), client.PKPSignRequest{
		AuthContext: eoaContext(t, newMockSigner(t), pkpSigning()),
		PubKey:      net.AddPKP().PublicKeyHex(),
		ToSign:      digest("hello"),
	})
	assert.True(t, protocol.IsKind(err, protocol.KindNotConnected))
}

func TestPKPSignWithWalletDelegation(t *testing.T) {
	f := newFixture(t, fakenode.Config{Nodes: 5, Threshold: 3, ReportThreshold: true})
	pkp := f.net.AddPKP()
	signer := newMockSigner(t)
	ac := eoaContext(t, signer, pkpSigning())

	hash := digest("transfer 1 eth")
	sig, err := f.client.PKPSign(context.Background(), client.PKPSignRequest{
		AuthContext: ac,
		PubKey:      "0x" + pkp.PublicKeyHex(),
		ToSign:      hash,
	})
	require.NoError(t, err)
	assert.Equal(t, pkp.PublicKeyHex(), sig.PublicKey)
	assert.Equal(t, hex.EncodeToString(hash), sig.SignedData)

	raw, err := hex.DecodeString(sig.R + sig.S)
	require.NoError(t, err)
	assert.True(t, crypto.VerifySignature(pkp.PublicKeyBytes(), hash, raw))

	// 只有最便宜的 threshold 个节点参与
	assert.Equal(t, 3, f.requests(protocol.EndpointPKPSign))
	signer.AssertNumberOfCalls(t, "SignPersonalMessage", 1)
}

func TestDelegationIsReusedAcrossOperations(t *testing.T) {
	f := newFixture(t, fakenode.Config{Nodes: 3, Threshold: 2, ReportThreshold: true})
	pkp := f.net.AddPKP()
	signer := newMockSigner(t)
	ac := eoaContext(t, signer, pkpSigning())

	for _, msg := range []string{"first", "second", "third"} {
		_, err := f.client.PKPSign(context.Background(), client.PKPSignRequest{
			AuthContext: ac,
			PubKey:      pkp.PublicKeyHex(),
			ToSign:      digest(msg),
		})
		require.NoError(t, err)
	}
	signer.AssertNumberOfCalls(t, "SignPersonalMessage", 1)

	cached, err := f.store.ReadDelegationSig(context.Background(), ac.Address())
	require.NoError(t, err)
	assert.NotEmpty(t, cached)
}

func TestEncryptDecryptSurvivesTwoNodeFailures(t *testing.T) {
	f := newFixture(t, fakenode.Config{Nodes: 5, Threshold: 3, ReportThreshold: true})
	f.net.Node(1).Fail(http.StatusBadGateway)
	f.net.Node(3).Fail(http.StatusServiceUnavailable)

	ctx := context.Background()
	enc, err := f.client.Encrypt(ctx, client.EncryptRequest{
		Plaintext:                  []byte("launch codes"),
		AccessControlConditionHash: "c0ffee",
	})
	require.NoError(t, err)

	plaintext, err := f.client.Decrypt(ctx, client.DecryptRequest{
		AuthContext:                eoaContext(t, newMockSigner(t), decryption()),
		Ciphertext:                 enc.Ciphertext,
		DataToEncryptHash:          enc.DataToEncryptHash,
		AccessControlConditionHash: "c0ffee",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("launch codes"), plaintext)
	assert.Eventually(t, func() bool {
		return f.net.Node(1).Requests(protocol.EndpointEncryptionSign) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDecryptFailsWhenConditionIsDenied(t *testing.T) {
	f := newFixture(t, fakenode.Config{Nodes: 3, Threshold: 2, ReportThreshold: true})
	f.net.DenyCondition("deadbeef")

	ctx := context.Background()
	enc, err := f.client.Encrypt(ctx, client.EncryptRequest{Plaintext: []byte("secret"), AccessControlConditionHash: "deadbeef"})
	require.NoError(t, err)

	_, err = f.client.Decrypt(ctx, client.DecryptRequest{
		AuthContext:                eoaContext(t, newMockSigner(t), decryption()),
		Ciphertext:                 enc.Ciphertext,
		DataToEncryptHash:          enc.DataToEncryptHash,
		AccessControlConditionHash: "deadbeef",
	})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindThresholdNotMet))

	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	assert.NotEmpty(t, perr.NodeErrors)
	for _, nodeErr := range perr.NodeErrors {
		assert.True(t, protocol.IsKind(nodeErr, protocol.KindNodeRejected))
	}
}

func TestExecuteJSResponseStrategies(t *testing.T) {
	f := newFixture(t, fakenode.Config{
		Nodes:           5,
		Threshold:       3,
		ReportThreshold: true,
		Prices:          []int64{1, 1, 1, 9, 9},
	})
	ac := eoaContext(t, newMockSigner(t), execution())
	params := map[string]any{"responses": []any{"A", "B", "B", "C", "C"}}

	most, err := f.client.ExecuteJS(context.Background(), client.ExecuteJSRequest{
		AuthContext:      ac,
		Code:             "Lit.Actions.setResponse({response: 'x'})",
		JsParams:         params,
		ResponseStrategy: aggregate.MostCommonStrategy(),
	})
	require.NoError(t, err)
	assert.Equal(t, "B", most.Response)

	least, err := f.client.ExecuteJS(context.Background(), client.ExecuteJSRequest{
		AuthContext: ac,
		Code:        "Lit.Actions.setResponse({response: 'x'})",
		JsParams:    params,
	})
	require.NoError(t, err)
	assert.Equal(t, "A", least.Response)
	assert.Zero(t, f.net.Node(3).Requests(protocol.EndpointExecute))
	assert.Zero(t, f.net.Node(4).Requests(protocol.EndpointExecute))
}

func TestExecuteJSIgnoresNodesWithoutResponse(t *testing.T) {
	f := newFixture(t, fakenode.Config{
		Nodes:           3,
		Threshold:       3,
		ReportThreshold: true,
		Execute: func(index int, req wire.ExecuteRequest) map[string]any {
			if index == 3 {
				return map[string]any{"success": true, "response": "real", "logs": "done"}
			}
			return map[string]any{"success": true, "logs": "done"}
		},
	})

	res, err := f.client.ExecuteJS(context.Background(), client.ExecuteJSRequest{
		AuthContext: eoaContext(t, newMockSigner(t), execution()),
		Code:        "1",
	})
	require.NoError(t, err)
	assert.Equal(t, "real", res.Response)
	assert.Equal(t, "done", res.Logs)
}

func TestExecuteJSCombinesSignaturesAndClaims(t *testing.T) {
	f := newFixture(t, fakenode.Config{Nodes: 4, Threshold: 3, ReportThreshold: true})
	pkp := f.net.AddPKP()
	hash := digest("inside action")

	res, err := f.client.ExecuteJS(context.Background(), client.ExecuteJSRequest{
		AuthContext: eoaContext(t, newMockSigner(t), execution()),
		IPFSID:      "QmActionCid",
		JsParams: map[string]any{
			"toSign":    hex.EncodeToString(hash),
			"publicKey": pkp.PublicKeyHex(),
			"sigName":   "sig1",
			"claimKey":  "user-42",
		},
	})
	require.NoError(t, err)
	require.Contains(t, res.Signatures, "sig1")
	assert.Equal(t, pkp.PublicKeyHex(), res.Signatures["sig1"].PublicKey)
	require.Contains(t, res.Claims, "user-42")
	assert.Len(t, res.Claims["user-42"].Signatures, 3)
	assert.NotEmpty(t, res.Claims["user-42"].DerivedKeyID)
	assert.Equal(t, "ok", res.Response)
}

func TestExecuteJSSingleNode(t *testing.T) {
	f := newFixture(t, fakenode.Config{Nodes: 5, Threshold: 3, ReportThreshold: true, Prices: []int64{4, 2, 3, 5, 6}})

	res, err := f.client.ExecuteJS(context.Background(), client.ExecuteJSRequest{
		AuthContext:   eoaContext(t, newMockSigner(t), execution()),
		Code:          "1",
		UseSingleNode: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Response)
	assert.Equal(t, 1, f.requests(protocol.EndpointExecute))
	assert.Equal(t, 1, f.net.Node(1).Requests(protocol.EndpointExecute))
}

func TestParameterErrorsMakeNoNodeCalls(t *testing.T) {
	f := newFixture(t, fakenode.Config{Nodes: 3, Threshold: 2, ReportThreshold: true})
	pkp := f.net.AddPKP()
	ctx := context.Background()
	ac := eoaContext(t, newMockSigner(t), pkpSigning(), execution(), decryption())

	_, err := f.client.ExecuteJS(ctx, client.ExecuteJSRequest{AuthContext: ac, Code: "1", IPFSID: "Qm"})
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidParam))

	_, err = f.client.ExecuteJS(ctx, client.ExecuteJSRequest{Code: "1"})
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidParam))

	_, err = f.client.PKPSign(ctx, client.PKPSignRequest{AuthContext: ac, PubKey: pkp.PublicKeyHex(), ToSign: []byte("short")})
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidParam))

	_, err = f.client.PKPSign(ctx, client.PKPSignRequest{AuthContext: ac, PubKey: pkp.PublicKeyHex(), ToSign: digest("x"), SigType: protocol.SigTypeEcdsaP256})
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidParam))

	_, err = f.client.Decrypt(ctx, client.DecryptRequest{AuthContext: ac, DataToEncryptHash: "aa", AccessControlConditionHash: "bb"})
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidParam))

	_, err = f.client.Encrypt(ctx, client.EncryptRequest{Plaintext: []byte("x")})
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidParam))

	for _, endpoint := range []string{protocol.EndpointExecute, protocol.EndpointPKPSign, protocol.EndpointEncryptionSign, protocol.EndpointSignSessionKey} {
		assert.Zero(t, f.requests(endpoint), endpoint)
	}
}

func TestPriceCeilingExcludesExpensiveNodes(t *testing.T) {
	f := newFixture(t, fakenode.Config{Nodes: 3, Threshold: 2, ReportThreshold: true, Prices: []int64{5, 5, 5}})
	pkp := f.net.AddPKP()

	_, err := f.client.PKPSign(context.Background(), client.PKPSignRequest{
		AuthContext: eoaContext(t, newMockSigner(t), pkpSigning()),
		PubKey:      pkp.PublicKeyHex(),
		ToSign:      digest("x"),
		MaxPrice:    big.NewInt(4),
	})
	assert.True(t, protocol.IsKind(err, protocol.KindPriceExceeded))
	assert.Zero(t, f.requests(protocol.EndpointPKPSign))

	sig, err := f.client.PKPSign(context.Background(), client.PKPSignRequest{
		AuthContext: eoaContext(t, newMockSigner(t), pkpSigning()),
		PubKey:      pkp.PublicKeyHex(),
		ToSign:      digest("x"),
		MaxPrice:    big.NewInt(5),
	})
	require.NoError(t, err)
	assert.Equal(t, pkp.PublicKeyHex(), sig.PublicKey)
}

func TestPricedNodesOutsideConnectedSetAreIgnored(t *testing.T) {
	net := fakenode.NewNetwork(fakenode.Config{Nodes: 3, Threshold: 2, ReportThreshold: true})
	defer net.Close()

	prices := net.Prices()
	free := make(map[protocol.ProductID]*big.Int, len(prices[0].Prices))
	for product := range prices[0].Prices {
		free[product] = big.NewInt(0)
	}
	prices = append(prices, node.NodePrice{URL: "http://127.0.0.1:1", Prices: free})

	c, err := client.New(context.Background(), testConfig(net.URLs()),
		client.WithStorage(storage.NewMemoryStore("test", "custom")),
		client.WithPriceOracle(node.NewStaticPriceOracle(prices)),
		client.WithMetricsRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	pkp := net.AddPKP()
	sig, err := c.PKPSign(context.Background(), client.PKPSignRequest{
		AuthContext: eoaContext(t, newMockSigner(t), pkpSigning()),
		PubKey:      pkp.PublicKeyHex(),
		ToSign:      digest("connected only"),
	})
	require.NoError(t, err)
	assert.Equal(t, pkp.PublicKeyHex(), sig.PublicKey)

	total := 0
	for i := range net.URLs() {
		total += net.Node(i).Requests(protocol.EndpointPKPSign)
	}
	assert.GreaterOrEqual(t, total, 2)
}

func TestDelegationNarrowerThanOperationIsRejected(t *testing.T) {
	f := newFixture(t, fakenode.Config{Nodes: 3, Threshold: 2, ReportThreshold: true})
	pkp := f.net.AddPKP()

	_, err := f.client.PKPSign(context.Background(), client.PKPSignRequest{
		AuthContext: eoaContext(t, newMockSigner(t), decryption()),
		PubKey:      pkp.PublicKeyHex(),
		ToSign:      digest("x"),
	})
	assert.True(t, protocol.IsKind(err, protocol.KindDelegationInvalid))
	assert.Zero(t, f.requests(protocol.EndpointPKPSign))
}

func TestExpiredPregeneratedDelegationIsRejected(t *testing.T) {
	f := newFixture(t, fakenode.Config{Nodes: 3, Threshold: 2, ReportThreshold: true})
	pkp := f.net.AddPKP()
	signer := newMockSigner(t)

	cb, err := auth.NewFactory(auth.FactoryConfig{}).Callback(eoaContext(t, signer, pkpSigning()))
	require.NoError(t, err)
	stale, err := cb(context.Background(), auth.AuthCallbackParams{
		SessionKeyURI:           "lit:session:00",
		ResourceAbilityRequests: []auth.ResourceAbilityRequest{pkpSigning()},
		Expiration:              time.Now().Add(-time.Minute),
		Nonce:                   f.net.LatestBlockhash(),
	})
	require.NoError(t, err)

	ac, err := auth.NewEoaContext(auth.EoaParams{
		Signer: signer,
		Common: auth.Common{ResourceAbilityRequests: []auth.ResourceAbilityRequest{pkpSigning()}, Pregenerated: stale},
	})
	require.NoError(t, err)

	_, err = f.client.PKPSign(context.Background(), client.PKPSignRequest{AuthContext: ac, PubKey: pkp.PublicKeyHex(), ToSign: digest("x")})
	assert.True(t, protocol.IsKind(err, protocol.KindDelegationExpired))
	assert.Zero(t, f.requests(protocol.EndpointPKPSign))
}

func TestPkpContextDelegatesThroughNetwork(t *testing.T) {
	f := newFixture(t, fakenode.Config{Nodes: 4, Threshold: 3, ReportThreshold: true})
	pkp := f.net.AddPKP()
	tokenID, err := auth.PKPTokenID(pkp.PublicKeyHex())
	require.NoError(t, err)

	ac, err := auth.NewPkpContext(auth.PkpParams{
		PKPPublicKey: pkp.PublicKeyHex(),
		AuthMethods:  []auth.AuthMethod{{AuthMethodType: auth.AuthMethodGoogleJwt, AccessToken: "header.payload.sig"}},
		Common: auth.Common{ResourceAbilityRequests: []auth.ResourceAbilityRequest{{
			Resource: auth.NewResource(auth.ResourcePKP, tokenID),
			Ability:  auth.AbilityPKPSigning,
		}}},
	})
	require.NoError(t, err)

	for _, msg := range []string{"one", "two"} {
		sig, err := f.client.PKPSign(context.Background(), client.PKPSignRequest{AuthContext: ac, PubKey: pkp.PublicKeyHex(), ToSign: digest(msg)})
		require.NoError(t, err)
		assert.Equal(t, pkp.PublicKeyHex(), sig.PublicKey)
	}

	// 第二次签名复用缓存的网络授权
	assert.Eventually(t, func() bool {
		return f.requests(protocol.EndpointSignSessionKey) == 4
	}, time.Second, 10*time.Millisecond)

	raw, err := f.store.ReadDelegationSig(context.Background(), ac.Address())
	require.NoError(t, err)
	cached, err := auth.UnmarshalAuthSig(raw)
	require.NoError(t, err)
	assert.Equal(t, auth.DerivedViaLitBls, cached.DerivedVia)
	assert.Equal(t, ac.Address(), cached.Address)
}

func TestCustomContextRefusedByLitAction(t *testing.T) {
	f := newFixture(t, fakenode.Config{Nodes: 3, Threshold: 2, ReportThreshold: true})
	pkp := f.net.AddPKP()

	ac, err := auth.NewCustomContext(auth.CustomParams{
		PKPPublicKey:  pkp.PublicKeyHex(),
		LitActionCode: "Lit.Actions.setResponse({response: 'false'})",
		JsParams:      map[string]any{"deny": true},
		Common:        auth.Common{ResourceAbilityRequests: []auth.ResourceAbilityRequest{execution()}},
	})
	require.NoError(t, err)

	_, err = f.client.ExecuteJS(context.Background(), client.ExecuteJSRequest{AuthContext: ac, Code: "1"})
	assert.True(t, protocol.IsKind(err, protocol.KindThresholdNotMet))
	assert.Zero(t, f.requests(protocol.EndpointExecute))
}

func TestGetSessionSigsBindsEveryNode(t *testing.T) {
	f := newFixture(t, fakenode.Config{Nodes: 4, Threshold: 3, ReportThreshold: true, Prices: []int64{1, 2, 3, 9}})

	sigs, err := f.client.GetSessionSigs(context.Background(), client.SessionSigsRequest{
		AuthContext: eoaContext(t, newMockSigner(t), execution()),
		Product:     protocol.ProductLitAction,
		MaxPrice:    big.NewInt(3),
	})
	require.NoError(t, err)
	require.Len(t, sigs, 3)
	assert.NotContains(t, sigs, f.net.Node(3).URL)

	seen := map[string]bool{}
	for url, sig := range sigs {
		assert.Contains(t, sig.SignedMessage, url)
		assert.Contains(t, sig.SignedMessage, `"maxPrice":"3"`)
		assert.False(t, seen[sig.Sig])
		seen[sig.Sig] = true
	}
}

func TestNodePricesSortedCheapestFirst(t *testing.T) {
	f := newFixture(t, fakenode.Config{Nodes: 3, Threshold: 2, ReportThreshold: true, Prices: []int64{7, 2, 5}})

	prices, err := f.client.NodePrices(context.Background(), protocol.ProductDecryption)
	require.NoError(t, err)
	require.Len(t, prices, 3)
	assert.Equal(t, f.net.Node(1).URL, prices[0].URL)
	assert.Equal(t, f.net.Node(0).URL, prices[2].URL)
	assert.Equal(t, int64(5), prices[1].Price(protocol.ProductDecryption).Int64())
}
