package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nitinkhare/kotakneo-rsidip-engine/internal/errs"
)

func makeTestKotakNeoBroker(t *testing.T, serverURL string) *KotakNeoBroker {
	t.Helper()

	cfgJSON, _ := json.Marshal(KotakNeoConfig{
		ConsumerKey:  "test-key",
		MobileNumber: "9999999999",
		Password:     "pw",
		MPIN:         "1234",
		BaseURL:      serverURL,
	})

	b, err := NewKotakNeoBroker(cfgJSON)
	if err != nil {
		t.Fatalf("failed to create kotakneo broker: %v", err)
	}
	kb := b.(*KotakNeoBroker)
	kb.scripMaster = map[string]string{"RELIANCE": "2885", "TCS": "11536"}
	return kb
}

func TestKotakNeoBroker_Login_StoresSessionToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "jwt-abc"})
	}))
	defer srv.Close()

	kb := makeTestKotakNeoBroker(t, srv.URL)
	if err := kb.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if kb.token() != "jwt-abc" {
		t.Errorf("token = %q, want jwt-abc", kb.token())
	}
}

func TestKotakNeoBroker_Login_401MapsToAuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid credentials"}`))
	}))
	defer srv.Close()

	kb := makeTestKotakNeoBroker(t, srv.URL)
	err := kb.Login(context.Background())
	if !errs.Is(err, errs.AuthExpired) {
		t.Errorf("expected AuthExpired, got %v", err)
	}
}

func TestKotakNeoBroker_PlaceOrder_ResolvesTokenAndPostsRequest(t *testing.T) {
	var captured neoPlaceOrderReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_ = json.NewEncoder(w).Encode(neoPlaceOrderResp{OrderID: "ord-1", Status: "Ok"})
	}))
	defer srv.Close()

	kb := makeTestKotakNeoBroker(t, srv.URL)
	resp, err := kb.PlaceOrder(context.Background(), Order{
		Symbol:   "RELIANCE",
		Exchange: "NSE",
		Side:     OrderSideBuy,
		Type:     OrderTypeMarket,
		Variety:  VarietyAMO,
		Quantity: 40,
		Product:  "CNC",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if resp.OrderID != "ord-1" {
		t.Errorf("order id = %s, want ord-1", resp.OrderID)
	}
	if captured.Token != "2885" {
		t.Errorf("resolved token = %s, want 2885", captured.Token)
	}
	if captured.Variety != "AMO" {
		t.Errorf("variety = %s, want AMO", captured.Variety)
	}
}

func TestKotakNeoBroker_PlaceOrder_UnknownSymbolErrors(t *testing.T) {
	kb := makeTestKotakNeoBroker(t, "http://unused")
	_, err := kb.PlaceOrder(context.Background(), Order{Symbol: "NOPE", Side: OrderSideBuy, Type: OrderTypeMarket, Quantity: 1})
	if err == nil {
		t.Fatal("expected an error for an unresolvable symbol")
	}
}

func TestKotakNeoBroker_CancelOrder_AlreadyTerminalIsNoOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"order already complete"}`))
	}))
	defer srv.Close()

	kb := makeTestKotakNeoBroker(t, srv.URL)
	if err := kb.CancelOrder(context.Background(), "ord-1"); err != nil {
		t.Errorf("expected a no-op ack for an already-terminal order, got %v", err)
	}
}

func TestKotakNeoBroker_GetFunds_ParsesNumericStrings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(neoFundResp{AvailableCash: "200000.50", UsedMargin: "0", TotalBalance: "200000.50"})
	}))
	defer srv.Close()

	kb := makeTestKotakNeoBroker(t, srv.URL)
	f, err := kb.GetFunds(context.Background())
	if err != nil {
		t.Fatalf("GetFunds: %v", err)
	}
	if f.AvailableCash != 200000.50 {
		t.Errorf("available cash = %.2f, want 200000.50", f.AvailableCash)
	}
}

func TestParseScripMasterCSV(t *testing.T) {
	csv := "tradingsymbol,instrumenttoken,exchange\nRELIANCE-EQ,2885,nse_cm\nTCS-EQ,11536,nse_cm\n"
	got := parseScripMasterCSV([]byte(csv))
	if got["RELIANCE-EQ"] != "2885" || got["TCS-EQ"] != "11536" {
		t.Errorf("parseScripMasterCSV = %v", got)
	}
}

func TestMapNeoStatus(t *testing.T) {
	cases := map[string]OrderStatus{
		"complete":  OrderStatusCompleted,
		"cancelled": OrderStatusCancelled,
		"rejected":  OrderStatusRejected,
		"open":      OrderStatusOpen,
		"":          OrderStatusPending,
	}
	for in, want := range cases {
		if got := mapNeoStatus(in); got != want {
			t.Errorf("mapNeoStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestKotakNeoBroker_RateLimited429MapsCorrectly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"throttled"}`))
	}))
	defer srv.Close()

	kb := makeTestKotakNeoBroker(t, srv.URL)
	_, err := kb.GetFunds(context.Background())
	if !errs.Is(err, errs.RateLimited) {
		t.Errorf("expected RateLimited, got %v", err)
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("expected error message to mention 429, got %v", err)
	}
}
