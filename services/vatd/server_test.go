package vatd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"vatcore/native/auction"
	"vatcore/native/common"
	"vatcore/native/dog"
	"vatcore/native/fixed"
	"vatcore/native/jug"
	"vatcore/native/ledger"
	"vatcore/native/spotter"
)

const (
	testAdmin  = ledger.Identity("root")
	testClass  = ledger.ClassID("ETH-A")
	testOwner  = "alice"
	testSecret = "test-secret"
)

type fixedOracle struct {
	price *uint256.Int
	at    time.Time
}

func (o *fixedOracle) Price(ledger.ClassID) (*uint256.Int, time.Time, error) {
	return new(uint256.Int).Set(o.price), o.at, nil
}

func newTestServer(t *testing.T) (*Server, *fixedOracle) {
	t.Helper()
	l := ledger.New(testAdmin)
	huge := fixed.MustDecimal("1000000000000000000000000000000000000000000000000")
	require.NoError(t, l.CreateClass(testAdmin, testClass))
	require.NoError(t, l.SetGlobalDebtCeiling(testAdmin, huge))
	require.NoError(t, l.SetClassDebtCeiling(testAdmin, testClass, huge))

	oracle := &fixedOracle{price: fixed.RAY, at: time.Now()}
	sp := spotter.New(l, testAdmin)
	require.NoError(t, sp.ConfigureClass(testClass, oracle, fixed.RAY, time.Hour))

	j := jug.New(l, testAdmin)
	require.NoError(t, j.InitClass(testClass, fixed.RAY))

	engine := auction.New(l, testAdmin)
	require.NoError(t, engine.ConfigureClass(testClass, auction.Params{
		Buf:  fixed.MustDecimal("1100000000000000000000000000"),
		Tail: time.Hour,
		Cusp: fixed.MustDecimal("300000000000000000000000000"),
		Decay: auction.Decay{
			Kind: auction.Linear,
			Tau:  7200,
		},
	}))

	d := dog.New(l, testAdmin, engine)
	require.NoError(t, d.SetGlobalCap(huge))
	require.NoError(t, d.ConfigureClass(testClass, fixed.RAY, huge, nil, nil))

	breakers := common.NewBreakers()
	d.SetBreakers(breakers)
	auth := NewAuthenticator(AuthConfig{
		Enabled:    true,
		HMACSecret: testSecret,
		Issuer:     "vatd",
	}, nil)

	srv := NewServer(Deps{
		Identity: testAdmin,
		Ledger:   l,
		Spotter:  sp,
		Jug:      j,
		Dog:      d,
		Engine:   engine,
		Breakers: breakers,
		Auth:     auth,
	})

	require.NoError(t, l.Deposit(testClass, testOwner, uint256.NewInt(10_000_000_000_000_000_000)))
	require.NoError(t, l.UpdatePriceBound(testAdmin, testClass, fixed.RAY))
	require.NoError(t, l.Borrow(testClass, testOwner, uint256.NewInt(9_000_000_000_000_000_000)))
	return srv, oracle
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestGetPositionAndLedger(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/v1/classes/ETH-A/positions/alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pos positionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pos))
	require.Equal(t, "alice", pos.Owner)
	require.Equal(t, "10000000000000000000", pos.LockedCollateral)

	rec = doJSON(t, router, http.MethodGet, "/v1/ledger", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var global globalView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &global))
	require.NotEqual(t, "0", global.TotalDebtIssued)
}

func TestUnknownClassReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodGet, "/v1/classes/DOGE-Z", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPokeThenBarkOpensAuction(t *testing.T) {
	srv, oracle := newTestServer(t)
	router := srv.Router()

	// Safe at price 1.0: bark is rejected.
	rec := doJSON(t, router, http.MethodPost, "/v1/classes/ETH-A/bark",
		barkRequest{Owner: testOwner, Keeper: "keeper"}, "")
	require.Equal(t, http.StatusConflict, rec.Code)

	// Price drops; poke pushes the new bound, bark opens an auction.
	oracle.price = fixed.MustDecimal("800000000000000000000000000")
	oracle.at = time.Now()
	rec = doJSON(t, router, http.MethodPost, "/v1/classes/ETH-A/poke", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/classes/ETH-A/bark",
		barkRequest{Owner: testOwner, Keeper: "keeper"}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/v1/auctions/1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view auctionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "ETH-A", view.Class)
	// 0.8 bound * 1.1 buffer
	require.Equal(t, "880000000000000000000000000", view.Top)
}

func TestDripReportsRateIndex(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/v1/classes/ETH-A/drip", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, fixed.RAY.Dec(), out["rateIndex"])
}

func signToken(t *testing.T, scope string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":   "vatd",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": scope,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func TestAdminRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	body := classParamsRequest{DustFloor: "1000000000000000000000000000000000000000000000"}

	rec := doJSON(t, router, http.MethodPost, "/v1/admin/classes/ETH-A/params", body, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/admin/classes/ETH-A/params", body,
		signToken(t, "vat:read"))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/admin/classes/ETH-A/params", body,
		signToken(t, ScopeAdmin))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminHaltBlocksBark(t *testing.T) {
	srv, oracle := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/admin/halt",
		haltRequest{Module: "dog", Halted: true}, signToken(t, ScopeAdmin))
	require.Equal(t, http.StatusOK, rec.Code)

	oracle.price = fixed.MustDecimal("800000000000000000000000000")
	oracle.at = time.Now()
	rec = doJSON(t, router, http.MethodPost, "/v1/classes/ETH-A/poke", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/v1/classes/ETH-A/bark",
		barkRequest{Owner: testOwner, Keeper: "keeper"}, "")
	require.Equal(t, http.StatusLocked, rec.Code)
}

func TestRateLimiterRejectsBursts(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.limiter = NewRateLimiter(1, 1)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/v1/ledger", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, router, http.MethodGet, "/v1/ledger", nil, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
