package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/DroneBid/dronebid-market-go/internal/chain"
	"github.com/DroneBid/dronebid-market-go/internal/chain/chaintest"
	"github.com/DroneBid/dronebid-market-go/internal/event"
	"github.com/DroneBid/dronebid-market-go/internal/jwks"
	"github.com/DroneBid/dronebid-market-go/internal/media"
	"github.com/DroneBid/dronebid-market-go/internal/model"
	"github.com/DroneBid/dronebid-market-go/internal/ratelimit"
	"github.com/DroneBid/dronebid-market-go/internal/reconcile"
	"github.com/DroneBid/dronebid-market-go/internal/schema"
	"github.com/DroneBid/dronebid-market-go/internal/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "https://auth.dronebid.test"
	testAudience = "dronebid-market"
	testAPIKey   = "agent-secret"

	consumerAddr = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
	providerAddr = "0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc"
	otherAddr    = "0x90f79bf6eb2c4f870365e785982e1f101e93b906"
)

var escrow = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

type testEnv struct {
	handler http.Handler
	store   storage.Store
	events  *event.Recorder
	chain   *chaintest.Fake
	priv    ed25519.PrivateKey
}

func newTestEnv(t *testing.T, mutate ...func(*Deps)) *testEnv {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	v, err := schema.NewValidator(nil)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		store:  storage.NewMemory(),
		events: event.NewRecorder(),
		chain:  chaintest.New(common.HexToAddress(providerAddr)),
		priv:   priv,
	}
	d := Deps{
		Store:       env.store,
		Publisher:   env.events,
		Validator:   v,
		JWKS:        jwks.NewStaticClient(pub, testIssuer, testAudience),
		Chain:       env.chain,
		Reconciler:  reconcile.New(env.chain, escrow, reconcile.WithPublisher(env.events), reconcile.WithLogger(logger), reconcile.WithTimeout(time.Second)),
		Logger:      logger,
		AgentAPIKey: testAPIKey,
	}
	for _, fn := range mutate {
		fn(&d)
	}
	env.handler = NewMux(d)
	return env
}

func (e *testEnv) token(t *testing.T, wallet string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Audience:  jwt.ClaimStrings{testAudience},
		Subject:   wallet,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	s, err := tok.SignedString(e.priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// do serves one request. A non-empty wallet signs it with a session token.
func (e *testEnv) do(t *testing.T, method, path, wallet, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if wallet != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, wallet))
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) agent(t *testing.T, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("x-api-key", testAPIKey)
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code          string                 `json:"code"`
		Message       string                 `json:"message"`
		CorrelationID string                 `json:"correlationId"`
		Details       map[string]interface{} `json:"details"`
	} `json:"error"`
}

func parse(t *testing.T, rr *httptest.ResponseRecorder, into interface{}) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	if into != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, into); err != nil {
			t.Fatalf("decode data %s: %v", env.Data, err)
		}
	}
	return env
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) envelope {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("got status %d want %d: %s", rr.Code, status, rr.Body.String())
	}
	env := parse(t, rr, nil)
	if env.Error == nil || env.Error.Code != code {
		t.Fatalf("got %s want error %s", rr.Body.String(), code)
	}
	if env.Error.CorrelationID == "" {
		t.Error("error envelope without correlationId")
	}
	return env
}

func requestBody(id int64, consumer, deadline string) string {
	return `{"requestId":` + itoa(id) + `,"consumerAddress":"` + consumer + `","title":"Roof survey","description":"Inspect the north roof","locationLat":40.7128,"locationLng":-74.006,"budget":"1000000000000000000","deadline":"` + deadline + `"}`
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

func TestHealthzEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/healthz", "", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("got %d %q want 200 ok", rr.Code, rr.Body.String())
	}
}

func TestReadyzEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/readyz", "", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("got %d %q want 200 ok", rr.Code, rr.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	expectError(t, env.do(t, http.MethodDelete, "/api/requests/1", "", ""), http.StatusMethodNotAllowed, "MKT_METHOD_NOT_ALLOWED")
}

func TestCorrelationIDEchoed(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/requests/9", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Correlation-Id"); got != "corr-123" {
		t.Errorf("got header %q want corr-123", got)
	}
	e := expectError(t, rr, http.StatusNotFound, "MKT_NOT_FOUND")
	if e.Error.CorrelationID != "corr-123" {
		t.Errorf("got correlationId %q want corr-123", e.Error.CorrelationID)
	}
}

func TestUserAuth(t *testing.T) {
	env := newTestEnv(t)
	body := `{"walletAddress":"0x70997970C51812dc3A010C7d01b50e0d17dc79C8","userType":"consumer"}`

	expectError(t, env.do(t, http.MethodPost, "/api/users", "", body), http.StatusUnauthorized, "MKT_AUTHN")
	expectError(t, env.do(t, http.MethodPost, "/api/users", otherAddr, body), http.StatusForbidden, "MKT_WALLET_MISMATCH")

	rr := env.do(t, http.MethodPost, "/api/users", consumerAddr, body)
	var u model.User
	parse(t, rr, &u)
	if rr.Code != http.StatusOK || u.WalletAddress != consumerAddr {
		t.Fatalf("got %d %+v", rr.Code, u)
	}

	rr = env.do(t, http.MethodGet, "/api/users?walletAddress=0x70997970C51812dc3A010C7d01b50e0d17dc79C8", "", "")
	parse(t, rr, &u)
	if rr.Code != http.StatusOK || u.UserType != model.UserConsumer {
		t.Errorf("got %d %+v", rr.Code, u)
	}
	expectError(t, env.do(t, http.MethodGet, "/api/users?walletAddress="+otherAddr, "", ""), http.StatusNotFound, "MKT_NOT_FOUND")
}

func TestExpiredTokenRejected(t *testing.T) {
	env := newTestEnv(t)
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Audience:  jwt.ClaimStrings{testAudience},
		Subject:   consumerAddr,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	s, _ := tok.SignedString(env.priv)
	req := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+s)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	expectError(t, rr, http.StatusUnauthorized, "MKT_JWT_EXPIRED")
}

func TestUpsertRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"past deadline", requestBody(1, consumerAddr, "2001-01-01T00:00:00Z"), http.StatusBadRequest, "MKT_VALIDATION"},
		{"zero id", requestBody(0, consumerAddr, "2099-01-01T00:00:00Z"), http.StatusBadRequest, "MKT_SCHEMA_REJECT"},
		{"bad json", `{"requestId":`, http.StatusBadRequest, "MKT_VALIDATION"},
		{"other consumer", requestBody(1, otherAddr, "2099-01-01T00:00:00Z"), http.StatusForbidden, "MKT_WALLET_MISMATCH"},
	}
	for _, tt := range tests {
		rr := env.do(t, http.MethodPost, "/api/requests", consumerAddr, tt.body)
		if rr.Code != tt.status {
			t.Errorf("%s: got %d want %d: %s", tt.name, rr.Code, tt.status, rr.Body.String())
			continue
		}
		e := parse(t, rr, nil)
		if e.Error == nil || e.Error.Code != tt.code {
			t.Errorf("%s: got %s want %s", tt.name, rr.Body.String(), tt.code)
			continue
		}
		if tt.code == "MKT_SCHEMA_REJECT" {
			if problems, ok := e.Error.Details["problems"].([]interface{}); !ok || len(problems) == 0 {
				t.Errorf("%s: got details %v want a problems list", tt.name, e.Error.Details)
			}
		}
	}
	if reqs, _ := env.store.ListRequests(context.Background(), model.RequestQuery{}); len(reqs) != 0 {
		t.Errorf("rejected requests were stored: %d", len(reqs))
	}
}

func TestUpsertRequestConverges(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 2; i++ {
		rr := env.do(t, http.MethodPost, "/api/requests", consumerAddr, requestBody(7, consumerAddr, "2099-01-01T00:00:00Z"))
		if rr.Code != http.StatusOK {
			t.Fatalf("upsert %d: got %d: %s", i, rr.Code, rr.Body.String())
		}
	}

	var list []model.Request
	parse(t, env.do(t, http.MethodGet, "/api/requests?consumerAddress="+consumerAddr, "", ""), &list)
	if len(list) != 1 || list[0].RequestID != 7 || list[0].Status != model.RequestOpen {
		t.Errorf("got %+v want one open request 7", list)
	}

	var got model.Request
	parse(t, env.do(t, http.MethodGet, "/api/requests/7", "", ""), &got)
	if got.Budget != "1000000000000000000" {
		t.Errorf("got budget %q", got.Budget)
	}
	if n := len(env.events.OfType(event.SubjectRequestMirrored)); n != 2 {
		t.Errorf("got %d mirrored events want 2", n)
	}
}

func TestListRequestsRejectsBadQuery(t *testing.T) {
	env := newTestEnv(t)
	for _, q := range []string{"status=flying", "limit=0", "limit=101", "offset=-1", "consumerAddress=0x12"} {
		expectError(t, env.do(t, http.MethodGet, "/api/requests?"+q, "", ""), http.StatusBadRequest, "MKT_VALIDATION")
	}
}

func TestBidWithoutMirroredRequest(t *testing.T) {
	env := newTestEnv(t)
	body := `{"bidId":3,"requestId":99,"providerAddress":"` + providerAddr + `","amount":"500","timeline":14}`
	rr := env.do(t, http.MethodPost, "/api/bids", providerAddr, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rr.Code, rr.Body.String())
	}

	var bids []model.Bid
	parse(t, env.do(t, http.MethodGet, "/api/bids?requestId=99&providerAddress="+providerAddr, "", ""), &bids)
	if len(bids) != 1 || bids[0].Status != model.BidPending {
		t.Errorf("got %+v want one pending bid", bids)
	}
	parse(t, env.do(t, http.MethodGet, "/api/bids?requestId=99&providerAddress="+otherAddr, "", ""), &bids)
	if len(bids) != 0 {
		t.Errorf("filters not ANDed: got %+v", bids)
	}
}

func coverageBody(provider string, lat, lng, radius string) string {
	return `{"providerAddress":"` + provider + `","locationLat":` + lat + `,"locationLng":` + lng + `,"radius":` + radius + `}`
}

func TestCoverageAreaCapacity(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < model.MaxCoverageAreas; i++ {
		rr := env.do(t, http.MethodPost, "/api/coverage-areas", providerAddr, coverageBody(providerAddr, "40.7", "-74", "1000"))
		if rr.Code != http.StatusCreated {
			t.Fatalf("create %d: got %d: %s", i, rr.Code, rr.Body.String())
		}
	}

	e := expectError(t, env.do(t, http.MethodPost, "/api/coverage-areas", providerAddr, coverageBody(providerAddr, "40.7", "-74", "1000")), http.StatusConflict, "MKT_CAPACITY")
	if e.Error.Details["max"] != float64(model.MaxCoverageAreas) {
		t.Errorf("got details %v", e.Error.Details)
	}
	areas, _ := env.store.ListCoverageAreas(context.Background(), providerAddr)
	if len(areas) != model.MaxCoverageAreas {
		t.Errorf("got %d areas want %d", len(areas), model.MaxCoverageAreas)
	}

	expectError(t, env.do(t, http.MethodPost, "/api/coverage-areas", providerAddr, coverageBody(providerAddr, "40.7", "-74", "50001")), http.StatusBadRequest, "MKT_SCHEMA_REJECT")
}

func TestCoverageAreaOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	var area model.CoverageArea
	parse(t, env.do(t, http.MethodPost, "/api/coverage-areas", providerAddr, coverageBody(providerAddr, "40.7", "-74", "1000")), &area)
	path := "/api/coverage-areas?id=" + itoa(area.ID)

	expectError(t, env.do(t, http.MethodPut, path, otherAddr, `{"locationLat":1,"locationLng":1,"radius":10}`), http.StatusForbidden, "MKT_WALLET_MISMATCH")
	expectError(t, env.do(t, http.MethodDelete, path, otherAddr, ""), http.StatusForbidden, "MKT_WALLET_MISMATCH")

	rr := env.do(t, http.MethodPut, path, providerAddr, `{"locationLat":1,"locationLng":2,"radius":10}`)
	parse(t, rr, &area)
	if rr.Code != http.StatusOK || area.Radius != 10 || area.LocationLng != 2 {
		t.Errorf("got %d %+v", rr.Code, area)
	}
	if rr := env.do(t, http.MethodDelete, path, providerAddr, ""); rr.Code != http.StatusOK {
		t.Errorf("delete: got %d", rr.Code)
	}
	expectError(t, env.do(t, http.MethodDelete, path, providerAddr, ""), http.StatusNotFound, "MKT_NOT_FOUND")
}

type nearbyResponse struct {
	AreaOfInterest *model.AreaOfInterest          `json:"areaOfInterest"`
	CoverageAreas  []model.CoverageAreaWithRating `json:"coverageAreas"`
	Providers      []string                       `json:"providers"`
}

func TestNearbyProviders(t *testing.T) {
	env := newTestEnv(t)
	// provider near Manhattan, other provider in Los Angeles
	env.do(t, http.MethodPost, "/api/coverage-areas", providerAddr, coverageBody(providerAddr, "40.75", "-73.99", "5000"))
	env.do(t, http.MethodPost, "/api/coverage-areas", otherAddr, coverageBody(otherAddr, "34.05", "-118.24", "5000"))
	env.do(t, http.MethodPost, "/api/ratings", consumerAddr, `{"providerAddress":"`+providerAddr+`","consumerAddress":"`+consumerAddr+`","requestId":1,"rating":4}`)

	var open nearbyResponse
	parse(t, env.do(t, http.MethodGet, "/api/providers/nearby?consumerAddress="+consumerAddr, "", ""), &open)
	if open.AreaOfInterest != nil || len(open.Providers) != 2 {
		t.Errorf("without area of interest got %+v want every provider", open)
	}

	rr := env.do(t, http.MethodPost, "/api/areas-of-interest", consumerAddr, `{"consumerAddress":"`+consumerAddr+`","locationLat":40.7128,"locationLng":-74.006,"radius":3000}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("area of interest: got %d: %s", rr.Code, rr.Body.String())
	}

	var near nearbyResponse
	parse(t, env.do(t, http.MethodGet, "/api/providers/nearby?consumerAddress="+consumerAddr, "", ""), &near)
	if len(near.Providers) != 1 || near.Providers[0] != providerAddr {
		t.Fatalf("got providers %v want [%s]", near.Providers, providerAddr)
	}
	if len(near.CoverageAreas) != 1 || near.CoverageAreas[0].AverageRating != 4 || near.CoverageAreas[0].RatingCount != 1 {
		t.Errorf("got areas %+v", near.CoverageAreas)
	}
	if near.AreaOfInterest == nil || near.AreaOfInterest.Radius != 3000 {
		t.Errorf("got area of interest %+v", near.AreaOfInterest)
	}
}

func TestAreaOfInterestUpsertAndDelete(t *testing.T) {
	env := newTestEnv(t)
	for _, radius := range []string{"1000", "2000"} {
		env.do(t, http.MethodPost, "/api/areas-of-interest", consumerAddr, `{"consumerAddress":"`+consumerAddr+`","locationLat":1,"locationLng":1,"radius":`+radius+`}`)
	}
	var all []model.AreaOfInterest
	parse(t, env.do(t, http.MethodGet, "/api/areas-of-interest", "", ""), &all)
	if len(all) != 1 || all[0].Radius != 2000 {
		t.Errorf("got %+v want one area with radius 2000", all)
	}

	expectError(t, env.do(t, http.MethodDelete, "/api/areas-of-interest?consumerAddress="+consumerAddr, otherAddr, ""), http.StatusForbidden, "MKT_WALLET_MISMATCH")
	if rr := env.do(t, http.MethodDelete, "/api/areas-of-interest?consumerAddress="+consumerAddr, consumerAddr, ""); rr.Code != http.StatusOK {
		t.Fatalf("delete: got %d", rr.Code)
	}
	rr := env.do(t, http.MethodGet, "/api/areas-of-interest?consumerAddress="+consumerAddr, "", "")
	if e := parse(t, rr, nil); rr.Code != http.StatusOK || string(e.Data) != "null" {
		t.Errorf("got %d %s want null data", rr.Code, rr.Body.String())
	}
}

func TestRatingsSummary(t *testing.T) {
	env := newTestEnv(t)
	for _, score := range []string{"5", "2"} {
		rr := env.do(t, http.MethodPost, "/api/ratings", consumerAddr, `{"providerAddress":"`+providerAddr+`","consumerAddress":"`+consumerAddr+`","requestId":1,"rating":`+score+`,"comment":null}`)
		if rr.Code != http.StatusCreated {
			t.Fatalf("got %d: %s", rr.Code, rr.Body.String())
		}
	}
	expectError(t, env.do(t, http.MethodPost, "/api/ratings", consumerAddr, `{"providerAddress":"`+providerAddr+`","consumerAddress":"`+consumerAddr+`","requestId":1,"rating":0}`), http.StatusBadRequest, "MKT_SCHEMA_REJECT")

	var got ratingsResponse
	parse(t, env.do(t, http.MethodGet, "/api/ratings?providerAddress="+providerAddr, "", ""), &got)
	if got.Count != 2 || got.AverageRating != 3.5 {
		t.Errorf("got %+v want count 2 average 3.5", got)
	}
}

func TestProviderProfilePatch(t *testing.T) {
	env := newTestEnv(t)
	create := `{"providerAddress":"` + providerAddr + `","droneModel":"Mavic 3","bio":"Licensed pilot","offersGroundImaging":true,"groundImagingTypes":["lidar"]}`
	if rr := env.do(t, http.MethodPost, "/api/provider-profiles", providerAddr, create); rr.Code != http.StatusCreated {
		t.Fatalf("create: got %d: %s", rr.Code, rr.Body.String())
	}
	expectError(t, env.do(t, http.MethodPost, "/api/provider-profiles", providerAddr, create), http.StatusConflict, "MKT_CONFLICT")

	rr := env.do(t, http.MethodPut, "/api/provider-profiles", providerAddr, `{"providerAddress":"`+providerAddr+`","bio":null,"specialization":"roofs"}`)
	var p model.ProviderProfile
	parse(t, rr, &p)
	if rr.Code != http.StatusOK {
		t.Fatalf("patch: got %d: %s", rr.Code, rr.Body.String())
	}
	if p.Bio != nil {
		t.Errorf("got bio %v want cleared", *p.Bio)
	}
	if p.DroneModel == nil || *p.DroneModel != "Mavic 3" {
		t.Errorf("absent droneModel changed: %v", p.DroneModel)
	}
	if p.Specialization == nil || *p.Specialization != "roofs" {
		t.Errorf("got specialization %v", p.Specialization)
	}
	if !p.OffersGroundImaging || len(p.GroundImagingTypes) != 1 {
		t.Errorf("absent ground imaging fields changed: %+v", p)
	}
}

type fakeImages struct{ err error }

func (f fakeImages) PresignImageUpload(ctx context.Context, provider, contentType string, size int64) (*media.Upload, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &media.Upload{Key: "drone-images/" + provider + "/x.png", UploadURL: "https://s3.test/put", PublicURL: "https://cdn.test/x.png"}, nil
}

func TestImageUpload(t *testing.T) {
	body := `{"providerAddress":"` + providerAddr + `","contentType":"image/png","size":1024}`

	env := newTestEnv(t)
	expectError(t, env.do(t, http.MethodPost, "/api/provider-profiles/image-upload", providerAddr, body), http.StatusServiceUnavailable, "MKT_UNAVAILABLE")

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{media.ErrTooLarge, http.StatusBadRequest, "MKT_MEDIA_SIZE"},
		{media.ErrTypeNotAllowed, http.StatusBadRequest, "MKT_MEDIA_TYPE"},
	}
	for _, tt := range tests {
		env := newTestEnv(t, func(d *Deps) { d.Images = fakeImages{err: tt.err} })
		expectError(t, env.do(t, http.MethodPost, "/api/provider-profiles/image-upload", providerAddr, body), tt.status, tt.code)
	}

	env = newTestEnv(t, func(d *Deps) { d.Images = fakeImages{} })
	var up media.Upload
	rr := env.do(t, http.MethodPost, "/api/provider-profiles/image-upload", providerAddr, body)
	parse(t, rr, &up)
	if rr.Code != http.StatusOK || up.PublicURL == "" {
		t.Errorf("got %d %+v", rr.Code, up)
	}
}

func TestReconcileRequestFromEvent(t *testing.T) {
	env := newTestEnv(t)
	tx := common.HexToHash("0xabc1")
	lg, err := env.chain.EncodeEvent(chain.EventRequestCreated, escrow, big.NewInt(42), common.HexToAddress(consumerAddr), "Roof survey", big.NewInt(1000), big.NewInt(1900000000))
	if err != nil {
		t.Fatal(err)
	}
	env.chain.SetReceipt(tx, &chain.Receipt{Status: 1, Logs: []chain.Log{lg}})

	body := `{"txHash":"` + tx.Hex() + `","consumerAddress":"` + consumerAddr + `","title":"Roof survey","description":"North roof","locationLat":40.7,"locationLng":-74,"budget":"1000","deadline":"2030-01-01T00:00:00Z"}`
	rr := env.do(t, http.MethodPost, "/api/reconcile/requests", consumerAddr, body)
	var got reconcileResponse
	parse(t, rr, &got)
	if rr.Code != http.StatusOK || got.RequestID == nil || *got.RequestID != 42 || !got.Recorded || got.IDSource != reconcile.IDFromEvent {
		t.Fatalf("got %d %s", rr.Code, rr.Body.String())
	}
	req, err := env.store.GetRequest(context.Background(), 42)
	if err != nil || req.TxHash != tx.Hex() {
		t.Errorf("got %+v, %v", req, err)
	}
}

func TestReconcileChainFailureIsRetrySafe(t *testing.T) {
	env := newTestEnv(t)
	env.chain.WaitErr = errors.New("execution reverted: bid too low")

	body := `{"txHash":"` + common.HexToHash("0xabc2").Hex() + `","requestId":1,"providerAddress":"` + providerAddr + `","amount":"5","timeline":3}`
	e := expectError(t, env.do(t, http.MethodPost, "/api/reconcile/bids", providerAddr, body), http.StatusUnprocessableEntity, "MKT_CHAIN_REVERTED")
	if e.Error.Details["retrySafe"] != true {
		t.Errorf("got details %v want retrySafe", e.Error.Details)
	}
	if bids, _ := env.store.ListBids(context.Background(), model.BidQuery{}); len(bids) != 0 {
		t.Errorf("failed transaction recorded %d bids", len(bids))
	}
}

func TestReconcileNotConfigured(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Reconciler = nil })
	body := `{"txHash":"` + common.HexToHash("0x1").Hex() + `","requestId":1,"providerAddress":"` + providerAddr + `","amount":"5","timeline":3}`
	expectError(t, env.do(t, http.MethodPost, "/api/reconcile/bids", providerAddr, body), http.StatusServiceUnavailable, "MKT_UNAVAILABLE")
}

func TestAgentAPIKey(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/agents/deliver-job", strings.NewReader(`{"requestId":1}`))
	req.Header.Set("x-api-key", "wrong")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	expectError(t, rr, http.StatusUnauthorized, "MKT_AUTHN")

	off := newTestEnv(t, func(d *Deps) { d.AgentAPIKey = "" })
	expectError(t, off.agent(t, "/api/agents/deliver-job", `{"requestId":1}`), http.StatusServiceUnavailable, "MKT_UNAVAILABLE")
}

func TestAgentCreateRequestMirrorsEventID(t *testing.T) {
	env := newTestEnv(t)
	env.chain.OnSubmit = func(c chaintest.Call) []chain.Log {
		lg, err := env.chain.EncodeEvent(chain.EventRequestCreated, escrow, big.NewInt(11), env.chain.Sender(), c.Args[0], c.Args[2], c.Args[3])
		if err != nil {
			t.Errorf("EncodeEvent: %v", err)
		}
		return []chain.Log{lg}
	}

	rr := env.agent(t, "/api/agents/create-request", `{"title":"Field scan","description":"Crop health","locationLat":"41.5","locationLng":-93.6,"budget":"0.25","deadline":"2099-06-01T00:00:00Z"}`)
	var got reconcileResponse
	parse(t, rr, &got)
	if rr.Code != http.StatusOK || got.RequestID == nil || *got.RequestID != 11 {
		t.Fatalf("got %d %s", rr.Code, rr.Body.String())
	}

	calls := env.chain.Calls()
	if len(calls) != 1 || calls[0].Method != "createRequest" {
		t.Fatalf("got calls %+v", calls)
	}
	if budget := calls[0].Args[2].(*big.Int); budget.String() != "250000000000000000" {
		t.Errorf("got budget %s wei want 0.25 ether", budget)
	}

	req, err := env.store.GetRequest(context.Background(), 11)
	if err != nil {
		t.Fatal(err)
	}
	if req.ConsumerAddress != providerAddr || req.LocationLat != 41.5 || req.Budget != "250000000000000000" {
		t.Errorf("got %+v", req)
	}
}

func TestAgentSubmitFailureNotRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.chain.SubmitErr = errors.New("insufficient funds for gas * price + value")

	e := expectError(t, env.agent(t, "/api/agents/submit-bid", `{"requestId":"4","amount":"1","timeline":"10"}`), http.StatusPaymentRequired, "MKT_CHAIN_INSUFFICIENT_FUNDS")
	if e.Error.Details["retrySafe"] != true {
		t.Errorf("got details %v", e.Error.Details)
	}
	expectError(t, env.agent(t, "/api/agents/submit-bid", `{"requestId":"4","amount":"1","timeline":"400"}`), http.StatusBadRequest, "MKT_VALIDATION")
}

func TestAgentAcceptBidWithoutMirrorReportsNotRecorded(t *testing.T) {
	env := newTestEnv(t)
	rr := env.agent(t, "/api/agents/accept-bid", `{"requestId":5,"bidId":6,"amount":"0.5"}`)
	var got reconcileResponse
	parse(t, rr, &got)
	if rr.Code != http.StatusOK || got.Recorded || got.Warning == "" || got.IDSource != reconcile.IDKnown {
		t.Fatalf("got %d %s", rr.Code, rr.Body.String())
	}
	if calls := env.chain.Calls(); len(calls) != 1 || calls[0].Value.String() != "500000000000000000" {
		t.Errorf("got calls %+v", calls)
	}
	if gaps := env.events.OfType(event.SubjectReconcileGap); len(gaps) != 1 {
		t.Errorf("got %d gap events want 1", len(gaps))
	}
}

func TestWriteRateLimit(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	env := newTestEnv(t, func(d *Deps) {
		d.WriteLimiter = ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Config{Window: time.Minute, MaxRequests: 1}, func() time.Time { return now })
	})
	body := `{"walletAddress":"` + consumerAddr + `","userType":"both"}`

	rr := env.do(t, http.MethodPost, "/api/users", consumerAddr, body)
	if rr.Code != http.StatusOK || rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("got %d remaining %q", rr.Code, rr.Header().Get("X-RateLimit-Remaining"))
	}
	rr = env.do(t, http.MethodPost, "/api/users", consumerAddr, body)
	expectError(t, rr, http.StatusTooManyRequests, "MKT_RATE_LIMIT")
	if rr.Header().Get("Retry-After") != "60" {
		t.Errorf("got Retry-After %q want 60", rr.Header().Get("Retry-After"))
	}

	// reads are limited separately
	if rr := env.do(t, http.MethodGet, "/api/users?walletAddress="+consumerAddr, "", ""); rr.Code != http.StatusOK {
		t.Errorf("read: got %d", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.CORSAllowedOrigins = []string{"https://app.dronebid.test"} })

	req := httptest.NewRequest(http.MethodOptions, "/api/requests", nil)
	req.Header.Set("Origin", "https://app.dronebid.test")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "https://app.dronebid.test" {
		t.Errorf("got %d %v", rr.Code, rr.Header())
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/requests", nil)
	req.Header.Set("Origin", "https://evil.test")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("disallowed origin got CORS headers")
	}
}
