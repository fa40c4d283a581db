// Package conformance provides a test harness that drives a full marketplace
// lifecycle through the HTTP API against a simulated escrow contract.
package conformance

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DroneBid/dronebid-market-go/internal/chain"
	"github.com/DroneBid/dronebid-market-go/internal/chain/chaintest"
	"github.com/DroneBid/dronebid-market-go/internal/event"
	"github.com/DroneBid/dronebid-market-go/internal/jwks"
	"github.com/DroneBid/dronebid-market-go/internal/model"
	"github.com/DroneBid/dronebid-market-go/internal/reconcile"
	"github.com/DroneBid/dronebid-market-go/internal/schema"
	"github.com/DroneBid/dronebid-market-go/internal/server"
	"github.com/DroneBid/dronebid-market-go/internal/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
)

// Harness runs the marketplace API in-process against a fake chain.
type Harness struct {
	server *httptest.Server
	store  storage.Store
	events *event.Recorder
	chain  *chaintest.Fake
	cfg    Config
	priv   ed25519.PrivateKey

	consumer string
	provider string

	mu      sync.Mutex
	nextReq int64
	nextBid int64
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// PostgresDSN runs against PostgreSQL when set.
	PostgresDSN string

	// MongoURI runs against MongoDB when set and PostgresDSN is empty.
	MongoURI      string
	MongoDatabase string

	JWTIssuer   string
	JWTAudience string
	AgentAPIKey string

	// IDBase offsets the on-chain IDs the fake contract assigns, so runs
	// against a shared database do not collide.
	IDBase int64
}

var escrowAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	v, err := schema.NewValidator(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}

	consumer, err := randomWallet()
	if err != nil {
		return nil, err
	}
	provider, err := randomWallet()
	if err != nil {
		return nil, err
	}

	h := &Harness{
		store:    store,
		events:   event.NewRecorder(),
		chain:    chaintest.New(common.HexToAddress(provider)),
		cfg:      cfg,
		priv:     priv,
		consumer: consumer,
		provider: provider,
		nextReq:  cfg.IDBase,
		nextBid:  cfg.IDBase,
	}
	h.chain.OnSubmit = h.emit

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mux := server.NewMux(server.Deps{
		Store:       store,
		Publisher:   h.events,
		Validator:   v,
		JWKS:        jwks.NewStaticClient(pub, cfg.JWTIssuer, cfg.JWTAudience),
		Chain:       h.chain,
		Reconciler:  reconcile.New(h.chain, escrowAddress, reconcile.WithPublisher(h.events), reconcile.WithLogger(logger), reconcile.WithTimeout(5*time.Second)),
		Logger:      logger,
		AgentAPIKey: cfg.AgentAPIKey,
	})
	h.server = httptest.NewServer(mux)
	return h, nil
}

func openStore(cfg Config) (storage.Store, error) {
	switch {
	case cfg.PostgresDSN != "":
		return storage.NewPostgres(cfg.PostgresDSN)
	case cfg.MongoURI != "":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := storage.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return storage.NewMemory(), nil
	}
}

func randomWallet() (string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate wallet: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()), nil
}

// emit returns the logs the escrow contract emits for a call.
func (h *Harness) emit(c chaintest.Call) []chain.Log {
	h.mu.Lock()
	defer h.mu.Unlock()

	sender := h.chain.Sender()
	var (
		lg  chain.Log
		err error
	)
	switch c.Method {
	case "createRequest":
		h.nextReq++
		lg, err = h.chain.EncodeEvent(chain.EventRequestCreated, c.Contract, big.NewInt(h.nextReq), sender, c.Args[0], c.Args[2], c.Args[3])
	case "submitBid":
		h.nextBid++
		lg, err = h.chain.EncodeEvent(chain.EventBidSubmitted, c.Contract, big.NewInt(h.nextBid), c.Args[0], sender, c.Args[1], c.Args[2])
	case "acceptBid":
		lg, err = h.chain.EncodeEvent(chain.EventBidAccepted, c.Contract, c.Args[0], c.Args[1], c.Value)
	case "deliverJob":
		lg, err = h.chain.EncodeEvent(chain.EventJobDelivered, c.Contract, c.Args[0], sender)
	case "approveDelivery":
		lg, err = h.chain.EncodeEvent(chain.EventDeliveryApproved, c.Contract, c.Args[0], sender, big.NewInt(0))
	default:
		return nil
	}
	if err != nil {
		panic(fmt.Sprintf("encode %s log: %v", c.Method, err))
	}
	return []chain.Log{lg}
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.events.Close()
	h.store.Close()
}

// Token signs a session for wallet.
func (h *Harness) Token(wallet string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Issuer:    h.cfg.JWTIssuer,
		Audience:  jwt.ClaimStrings{h.cfg.JWTAudience},
		Subject:   wallet,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	return tok.SignedString(h.priv)
}

// response is a decoded API envelope.
type response struct {
	Status int             `json:"-"`
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code          string                 `json:"code"`
		Message       string                 `json:"message"`
		CorrelationID string                 `json:"correlationId"`
		Details       map[string]interface{} `json:"details"`
	} `json:"error"`
}

func (r response) code() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Code
}

// call sends one request. wallet signs it with a session, apiKey marks it as
// an agent call; either may be empty.
func (h *Harness) call(t *testing.T, method, path, wallet, apiKey string, body interface{}) response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.URL()+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if wallet != "" {
		tok, err := h.Token(wallet)
		if err != nil {
			t.Fatalf("sign session: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := response{Status: resp.StatusCode}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return out
}

func (h *Harness) agent(t *testing.T, path string, body interface{}) response {
	t.Helper()
	return h.call(t, http.MethodPost, path, "", h.cfg.AgentAPIKey, body)
}

func expect(t *testing.T, r response, status int, into interface{}) {
	t.Helper()
	if r.Status != status {
		t.Fatalf("got status %d (%s) want %d", r.Status, r.code(), status)
	}
	if into != nil {
		if err := json.Unmarshal(r.Data, into); err != nil {
			t.Fatalf("decode data %s: %v", r.Data, err)
		}
	}
}

type reconciled struct {
	TxHash    string `json:"txHash"`
	RequestID *int64 `json:"requestId"`
	BidID     *int64 `json:"bidId"`
	IDSource  string `json:"idSource"`
	Recorded  bool   `json:"recorded"`
}

// RunConformanceTests runs all conformance tests against the API.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("Users", h.testUsers)
	t.Run("Discovery", h.testDiscovery)
	t.Run("AgentLifecycle", h.testAgentLifecycle)
	t.Run("WalletReconcile", h.testWalletReconcile)
	t.Run("Ratings", h.testRatings)
}

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("got %d for %s want 200", resp.StatusCode, path)
		}
	}
}

func (h *Harness) testUsers(t *testing.T) {
	for wallet, kind := range map[string]model.UserType{h.consumer: model.UserConsumer, h.provider: model.UserProvider} {
		var u model.User
		expect(t, h.call(t, http.MethodPost, "/api/users", wallet, "", map[string]interface{}{
			"walletAddress": wallet,
			"userType":      kind,
		}), http.StatusOK, &u)
		if u.WalletAddress != wallet || u.UserType != kind {
			t.Errorf("got %+v", u)
		}
	}
	var u model.User
	expect(t, h.call(t, http.MethodGet, "/api/users?walletAddress="+h.consumer, "", "", nil), http.StatusOK, &u)
	if u.UserType != model.UserConsumer {
		t.Errorf("got user type %q want consumer", u.UserType)
	}
}

// testDiscovery checks that a provider covering Manhattan is found from an
// area of interest in Brooklyn.
func (h *Harness) testDiscovery(t *testing.T) {
	expect(t, h.call(t, http.MethodPost, "/api/coverage-areas", h.provider, "", map[string]interface{}{
		"providerAddress": h.provider,
		"locationLat":     40.7831,
		"locationLng":     -73.9712,
		"radius":          8000,
	}), http.StatusCreated, nil)
	expect(t, h.call(t, http.MethodPost, "/api/areas-of-interest", h.consumer, "", map[string]interface{}{
		"consumerAddress": h.consumer,
		"locationLat":     40.6782,
		"locationLng":     -73.9442,
		"radius":          5000,
	}), http.StatusOK, nil)

	var nearby struct {
		Providers []string `json:"providers"`
	}
	expect(t, h.call(t, http.MethodGet, "/api/providers/nearby?consumerAddress="+h.consumer, "", "", nil), http.StatusOK, &nearby)
	found := false
	for _, p := range nearby.Providers {
		found = found || p == h.provider
	}
	if !found {
		t.Errorf("got providers %v want %s", nearby.Providers, h.provider)
	}
}

// testAgentLifecycle walks one request from creation to completion through
// the server-signed routes.
func (h *Harness) testAgentLifecycle(t *testing.T) {
	var created reconciled
	expect(t, h.agent(t, "/api/agents/create-request", map[string]interface{}{
		"walletAddress": h.consumer,
		"title":         "Solar farm inspection",
		"description":   "Thermal scan of panel rows",
		"locationLat":   40.70,
		"locationLng":   -73.95,
		"budget":        "1.5",
		"deadline":      time.Now().Add(30 * 24 * time.Hour).UTC().Format(time.RFC3339),
	}), http.StatusOK, &created)
	if created.RequestID == nil || created.IDSource != string(reconcile.IDFromEvent) || !created.Recorded {
		t.Fatalf("got %+v", created)
	}
	requestID := *created.RequestID
	reqPath := fmt.Sprintf("/api/requests/%d", requestID)

	var req model.Request
	expect(t, h.call(t, http.MethodGet, reqPath, "", "", nil), http.StatusOK, &req)
	if req.Status != model.RequestOpen || req.ConsumerAddress != h.consumer || req.Budget != "1500000000000000000" {
		t.Errorf("got %+v", req)
	}

	var bid reconciled
	expect(t, h.agent(t, "/api/agents/submit-bid", map[string]interface{}{
		"requestId": requestID,
		"amount":    "1.2",
		"timeline":  7,
	}), http.StatusOK, &bid)
	if bid.BidID == nil || !bid.Recorded {
		t.Fatalf("got %+v", bid)
	}
	bidID := *bid.BidID

	var bids []model.Bid
	expect(t, h.call(t, http.MethodGet, fmt.Sprintf("/api/bids?requestId=%d", requestID), "", "", nil), http.StatusOK, &bids)
	if len(bids) != 1 || bids[0].BidID != bidID || bids[0].ProviderAddress != h.provider || bids[0].Status != model.BidPending {
		t.Fatalf("got bids %+v", bids)
	}

	steps := []struct {
		path   string
		body   map[string]interface{}
		status model.RequestStatus
	}{
		{"/api/agents/accept-bid", map[string]interface{}{"requestId": requestID, "bidId": bidID, "amount": "1.2"}, model.RequestBidAccepted},
		{"/api/agents/deliver-job", map[string]interface{}{"requestId": requestID}, model.RequestDelivered},
		{"/api/agents/approve-delivery", map[string]interface{}{"requestId": requestID}, model.RequestCompleted},
	}
	for _, s := range steps {
		var out reconciled
		expect(t, h.agent(t, s.path, s.body), http.StatusOK, &out)
		if !out.Recorded || out.IDSource != string(reconcile.IDKnown) {
			t.Fatalf("%s: got %+v", s.path, out)
		}
		expect(t, h.call(t, http.MethodGet, reqPath, "", "", nil), http.StatusOK, &req)
		if req.Status != s.status {
			t.Fatalf("%s: got status %q want %q", s.path, req.Status, s.status)
		}
	}
	if req.AcceptedBidID == nil || *req.AcceptedBidID != bidID {
		t.Errorf("got acceptedBidId %v want %d", req.AcceptedBidID, bidID)
	}

	expect(t, h.call(t, http.MethodGet, fmt.Sprintf("/api/bids?requestId=%d", requestID), "", "", nil), http.StatusOK, &bids)
	if len(bids) != 1 || bids[0].Status != model.BidCompleted {
		t.Errorf("got bids %+v want one completed", bids)
	}

	calls := h.chain.Calls()
	if len(calls) < 5 || calls[2].Value == nil || calls[2].Value.String() != "1200000000000000000" {
		t.Errorf("got acceptBid value %v want 1.2 ether in wei", calls)
	}
}

// testWalletReconcile mirrors a transaction the consumer signed in their own
// wallet and checks that replaying it converges.
func (h *Harness) testWalletReconcile(t *testing.T) {
	h.mu.Lock()
	h.nextReq++
	id := h.nextReq
	h.mu.Unlock()

	deadline := time.Now().Add(14 * 24 * time.Hour).UTC().Truncate(time.Second)
	lg, err := h.chain.EncodeEvent(chain.EventRequestCreated, escrowAddress, big.NewInt(id), common.HexToAddress(h.consumer), "Bridge survey", big.NewInt(2e18), big.NewInt(deadline.Unix()))
	if err != nil {
		t.Fatal(err)
	}
	tx := common.BigToHash(big.NewInt(id + 0xabc000))
	h.chain.SetReceipt(tx, &chain.Receipt{Status: 1, BlockNumber: 99, Logs: []chain.Log{lg}})

	body := map[string]interface{}{
		"txHash":          tx.Hex(),
		"consumerAddress": h.consumer,
		"title":           "Bridge survey",
		"description":     "Underside inspection",
		"locationLat":     40.71,
		"locationLng":     -74.0,
		"budget":          "2000000000000000000",
		"deadline":        deadline.Format(time.RFC3339),
	}
	for i := 0; i < 2; i++ {
		var out reconciled
		expect(t, h.call(t, http.MethodPost, "/api/reconcile/requests", h.consumer, "", body), http.StatusOK, &out)
		if out.RequestID == nil || *out.RequestID != id || !out.Recorded {
			t.Fatalf("attempt %d: got %+v", i+1, out)
		}
	}

	var reqs []model.Request
	expect(t, h.call(t, http.MethodGet, "/api/requests?consumerAddress="+h.consumer+"&status=open", "", "", nil), http.StatusOK, &reqs)
	n := 0
	for _, r := range reqs {
		if r.RequestID == id {
			n++
		}
	}
	if n != 1 {
		t.Errorf("got %d mirrored copies of request %d want 1", n, id)
	}

	if r := h.call(t, http.MethodPost, "/api/reconcile/requests", h.provider, "", body); r.Status != http.StatusForbidden {
		t.Errorf("got %d for a foreign wallet want 403", r.Status)
	}
}

func (h *Harness) testRatings(t *testing.T) {
	for _, score := range []int{5, 4} {
		expect(t, h.call(t, http.MethodPost, "/api/ratings", h.consumer, "", map[string]interface{}{
			"providerAddress": h.provider,
			"consumerAddress": h.consumer,
			"requestId":       1,
			"rating":          score,
		}), http.StatusCreated, nil)
	}
	var summary struct {
		AverageRating float64 `json:"averageRating"`
		Count         int     `json:"count"`
	}
	expect(t, h.call(t, http.MethodGet, "/api/ratings?providerAddress="+h.provider, "", "", nil), http.StatusOK, &summary)
	if summary.Count != 2 || summary.AverageRating != 4.5 {
		t.Errorf("got %+v want 2 ratings averaging 4.5", summary)
	}
}

// RunAcceptanceTests checks cross-cutting API behavior: envelopes,
// authentication and input rejection.
func (h *Harness) RunAcceptanceTests(t *testing.T) {
	t.Run("ErrorEnvelope", h.testErrorEnvelope)
	t.Run("AuthCompliance", h.testAuthCompliance)
	t.Run("SchemaCompliance", h.testSchemaCompliance)
	t.Run("Pagination", h.testPagination)
	t.Run("ChainFailure", h.testChainFailure)
}

func (h *Harness) testErrorEnvelope(t *testing.T) {
	r := h.call(t, http.MethodGet, "/api/requests/999999999999", "", "", nil)
	if r.Status != http.StatusNotFound || r.code() != "MKT_NOT_FOUND" {
		t.Fatalf("got %d %q want 404 MKT_NOT_FOUND", r.Status, r.code())
	}
	if r.Error.CorrelationID == "" {
		t.Error("error envelope without correlationId")
	}
	if r := h.call(t, http.MethodPatch, "/api/users", "", "", nil); r.Status != http.StatusMethodNotAllowed {
		t.Errorf("got %d for PATCH want 405", r.Status)
	}
}

func (h *Harness) testAuthCompliance(t *testing.T) {
	body := map[string]interface{}{"walletAddress": h.consumer, "userType": "consumer"}
	if r := h.call(t, http.MethodPost, "/api/users", "", "", body); r.Status != http.StatusUnauthorized {
		t.Errorf("got %d without a session want 401", r.Status)
	}
	if r := h.call(t, http.MethodPost, "/api/users", h.provider, "", body); r.code() != "MKT_WALLET_MISMATCH" {
		t.Errorf("got %q for a foreign wallet want MKT_WALLET_MISMATCH", r.code())
	}
	if r := h.call(t, http.MethodPost, "/api/agents/deliver-job", "", "wrong-key", map[string]interface{}{"requestId": 1}); r.Status != http.StatusUnauthorized {
		t.Errorf("got %d with a wrong API key want 401", r.Status)
	}
}

func (h *Harness) testSchemaCompliance(t *testing.T) {
	r := h.call(t, http.MethodPost, "/api/coverage-areas", h.provider, "", map[string]interface{}{
		"providerAddress": h.provider,
		"locationLat":     140.0,
		"locationLng":     0,
		"radius":          100,
	})
	if r.Status != http.StatusBadRequest || r.code() != "MKT_SCHEMA_REJECT" {
		t.Errorf("got %d %q want 400 MKT_SCHEMA_REJECT", r.Status, r.code())
	} else if _, ok := r.Error.Details["problems"].([]interface{}); !ok {
		t.Errorf("got details %v want a problems list", r.Error.Details)
	}
	r = h.agent(t, "/api/agents/submit-bid", map[string]interface{}{"requestId": 1, "amount": "1", "timeline": 0})
	if r.Status != http.StatusBadRequest {
		t.Errorf("got %d for timeline 0 want 400", r.Status)
	}
}

func (h *Harness) testPagination(t *testing.T) {
	if r := h.call(t, http.MethodGet, "/api/requests?limit=1000", "", "", nil); r.Status != http.StatusBadRequest {
		t.Errorf("got %d for limit 1000 want 400", r.Status)
	}
	var page []model.Request
	expect(t, h.call(t, http.MethodGet, "/api/requests?consumerAddress="+h.consumer+"&limit=1", "", "", nil), http.StatusOK, &page)
	if len(page) > 1 {
		t.Errorf("got %d requests with limit 1", len(page))
	}
}

// testChainFailure checks that a reverted transaction records nothing and is
// reported as safe to retry.
func (h *Harness) testChainFailure(t *testing.T) {
	tx := common.BigToHash(big.NewInt(0xdead))
	h.chain.SetReceipt(tx, &chain.Receipt{Status: 0, BlockNumber: 100})

	before := len(h.events.OfType(event.SubjectRequestMirrored))
	r := h.call(t, http.MethodPost, "/api/reconcile/requests", h.consumer, "", map[string]interface{}{
		"txHash":          tx.Hex(),
		"consumerAddress": h.consumer,
		"title":           "Reverted",
		"description":     "Never mined",
		"locationLat":     1,
		"locationLng":     1,
		"budget":          "100",
		"deadline":        time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	if r.Status != http.StatusUnprocessableEntity || r.Error == nil || r.Error.Details["retrySafe"] != true {
		t.Fatalf("got %d %+v want 422 retry-safe", r.Status, r.Error)
	}
	if after := len(h.events.OfType(event.SubjectRequestMirrored)); after != before {
		t.Errorf("got %d new mirrored events want none", after-before)
	}
}
