// Package apitest runs an in-process fake of the broker REST API and market data stream.
package apitest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

const (
	Username  = "trader"
	Password  = "hunter2"
	Secret    = "s3cret"
	AccountID = int64(4242)
)

// PlaceRequest is a recorded /order/placeorder body.
type PlaceRequest struct {
	AccountSpec string   `json:"accountSpec"`
	AccountID   int64    `json:"accountId"`
	Action      string   `json:"action"`
	Symbol      string   `json:"symbol"`
	OrderQty    int      `json:"orderQty"`
	OrderType   string   `json:"orderType"`
	IsAutomated bool     `json:"isAutomated"`
	TimeInForce string   `json:"timeInForce"`
	Price       *float64 `json:"price"`
	StopPrice   *float64 `json:"stopPrice"`
}

// Frame is a recorded client frame on the stream.
type Frame struct {
	URL  string          `json:"url"`
	Body json.RawMessage `json:"body"`
}

type order struct {
	ID        int64  `json:"id"`
	AccountID int64  `json:"accountId"`
	Action    string `json:"action"`
	OrdStatus string `json:"ordStatus"`
}

// Broker is the fake. Failure knobs are set through its methods.
type Broker struct {
	*httptest.Server

	mu       sync.Mutex
	tokenSeq int
	access   string
	md       string
	nextID   int64
	orders   []order
	placed   []PlaceRequest
	cancels  []int64
	modifies []map[string]any
	frames   []Frame
	conns    map[*websocket.Conn]struct{}
	streams  int

	authCalls  int
	renewCalls int
	listCalls  int

	failRenew        bool
	authStatus       int
	authText         string
	rejectOrderTypes map[string]string // order type -> failureText
	acceptLimit      int               // placements accepted before rejectText applies, -1 for no limit
	accepted         int
	rejectText       string
	failCancel       map[int64]bool
	hangCancel       map[int64]bool
	release          chan struct{}
	listFailures     int
	streamStatus     int // "s" of the stream auth ack, 200 when zero

	upgrader websocket.Upgrader
}

// New starts a fake broker that is closed when the test ends.
func New(t testing.TB) *Broker {
	b := &Broker{
		nextID:           1000,
		conns:            make(map[*websocket.Conn]struct{}),
		rejectOrderTypes: map[string]string{},
		acceptLimit:      -1,
		failCancel:       map[int64]bool{},
		hangCancel:       map[int64]bool{},
		release:          make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/accessTokenRequest", b.handleAuth)
	mux.HandleFunc("POST /auth/renewAccessToken", b.handleRenew)
	mux.HandleFunc("POST /order/placeorder", b.authed(b.handlePlace))
	mux.HandleFunc("POST /order/cancelorder", b.authed(b.handleCancel))
	mux.HandleFunc("POST /order/modifyorder", b.authed(b.handleModify))
	mux.HandleFunc("GET /order/list", b.authed(b.handleList))
	mux.HandleFunc("/websocket", b.handleStream)

	b.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		b.DropStreams()
		close(b.release)
		b.Server.Close()
	})
	return b
}

// WSURL is the market data stream address.
func (b *Broker) WSURL() string {
	return "ws" + strings.TrimPrefix(b.URL, "http") + "/websocket"
}

func (b *Broker) issueTokens() {
	b.tokenSeq++
	b.access = fmt.Sprintf("access-%d", b.tokenSeq)
	b.md = fmt.Sprintf("md-%d", b.tokenSeq)
}

func (b *Broker) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
		Sec      string `json:"sec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.authCalls++
	if b.authStatus != 0 {
		http.Error(w, b.authText, b.authStatus)
		return
	}
	if req.Name != Username || req.Password != Password || req.Sec != Secret {
		writeJSON(w, map[string]string{"errorText": "Incorrect username or password"})
		return
	}
	b.issueTokens()
	writeJSON(w, map[string]any{
		"accessToken":   b.access,
		"mdAccessToken": b.md,
		"userId":        7,
		"accountId":     AccountID,
	})
}

func (b *Broker) handleRenew(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.renewCalls++
	if b.failRenew || r.Header.Get("Authorization") != "Bearer "+b.access {
		http.Error(w, "token expired", http.StatusUnauthorized)
		return
	}
	b.tokenSeq++
	b.access = fmt.Sprintf("access-%d", b.tokenSeq)
	writeJSON(w, map[string]any{"accessToken": b.access})
}

func (b *Broker) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		access := b.access
		b.mu.Unlock()
		if access == "" || r.Header.Get("Authorization") != "Bearer "+access {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (b *Broker) handlePlace(w http.ResponseWriter, r *http.Request) {
	var req PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed = append(b.placed, req)
	if text, ok := b.rejectOrderTypes[req.OrderType]; ok {
		writeJSON(w, map[string]string{"failureReason": "UnknownReason", "failureText": text})
		return
	}
	if b.acceptLimit >= 0 && b.accepted >= b.acceptLimit {
		writeJSON(w, map[string]string{"failureReason": "UnknownReason", "failureText": b.rejectText})
		return
	}
	b.accepted++
	b.nextID++
	status := "Working"
	if req.OrderType == "Market" {
		status = "Filled"
	}
	b.orders = append(b.orders, order{ID: b.nextID, AccountID: req.AccountID, Action: req.Action, OrdStatus: status})
	writeJSON(w, map[string]int64{"orderId": b.nextID})
}

func (b *Broker) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.cancels = append(b.cancels, req.OrderID)
	if b.hangCancel[req.OrderID] {
		b.mu.Unlock()
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-b.release:
		}
		return
	}
	defer b.mu.Unlock()
	if b.failCancel[req.OrderID] {
		http.Error(w, "cannot cancel", http.StatusBadRequest)
		return
	}
	for i := range b.orders {
		if b.orders[i].ID == req.OrderID {
			b.orders[i].OrdStatus = "Canceled"
		}
	}
	writeJSON(w, map[string]int64{"orderId": req.OrderID})
}

func (b *Broker) handleModify(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modifies = append(b.modifies, req)
	writeJSON(w, map[string]any{"orderId": req["orderId"]})
}

func (b *Broker) handleList(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listCalls++
	if b.listFailures > 0 {
		b.listFailures--
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, b.orders)
}

func (b *Broker) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	var auth struct {
		Token string `json:"token"`
	}
	if err := conn.ReadJSON(&auth); err != nil {
		conn.Close()
		return
	}

	b.mu.Lock()
	status := b.streamStatus
	if status == 0 {
		status = http.StatusOK
		if auth.Token != b.md {
			status = http.StatusUnauthorized
		}
	}
	b.mu.Unlock()

	if err := conn.WriteJSON(map[string]int{"s": status}); err != nil || status != http.StatusOK {
		conn.Close()
		return
	}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.streams++
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		conn.Close()
	}()
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		b.mu.Lock()
		b.frames = append(b.frames, f)
		b.mu.Unlock()
	}
}

// Push sends v as a JSON frame to every connected stream.
func (b *Broker) Push(v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		_ = conn.WriteJSON(v)
	}
}

// PushRaw sends a text frame as is.
func (b *Broker) PushRaw(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(s))
	}
}

// PushQuote sends one quote frame.
func (b *Broker) PushQuote(contractID int64, last, volume float64) {
	b.Push(map[string]any{"d": map[string]any{"quotes": []map[string]any{{
		"contractId": contractID, "price": last, "bidPrice": last - 0.25, "askPrice": last + 0.25,
		"bidSize": 5, "askSize": 7, "volume": volume,
	}}}})
}

// PushPosition sends one position frame.
func (b *Broker) PushPosition(accountID, contractID int64, netPos int, netPrice, unrealized float64) {
	b.Push(map[string]any{"d": map[string]any{"positions": []map[string]any{{
		"accountId": accountID, "contractId": contractID, "netPos": netPos,
		"netPrice": netPrice, "unrealized": unrealized,
	}}}})
}

// PushOrderStatus sends one order status frame.
func (b *Broker) PushOrderStatus(orderID int64, status string) {
	b.Push(map[string]any{"d": map[string]any{"orders": []map[string]any{{"id": orderID, "ordStatus": status}}}})
}

// DropStreams closes every stream connection from the server side.
func (b *Broker) DropStreams() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.Close()
		delete(b.conns, conn)
	}
}

// AddOrder seeds the order list.
func (b *Broker) AddOrder(id int64, status string) {
	b.AddAccountOrder(id, AccountID, status)
}

// AddAccountOrder seeds an order that belongs to accountID.
func (b *Broker) AddAccountOrder(id, accountID int64, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = append(b.orders, order{ID: id, AccountID: accountID, Action: "Buy", OrdStatus: status})
}

func (b *Broker) Placed() []PlaceRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PlaceRequest(nil), b.placed...)
}

func (b *Broker) Cancels() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.cancels...)
}

func (b *Broker) Modifies() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.modifies...)
}

func (b *Broker) Frames() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Frame(nil), b.frames...)
}

// Streams is the number of successfully authenticated stream connections so far.
func (b *Broker) Streams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streams
}

// ActiveStreams is the number of currently open stream connections.
func (b *Broker) ActiveStreams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Broker) AuthCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authCalls
}

func (b *Broker) RenewCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.renewCalls
}

func (b *Broker) ListCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listCalls
}

// SetFailRenew toggles renewal failures.
func (b *Broker) SetFailRenew(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failRenew = v
}

// RejectOrderType makes placements of orderType fail with text.
func (b *Broker) RejectOrderType(orderType, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectOrderTypes[orderType] = text
}

// FailAuth makes token requests answer with an HTTP status and text.
func (b *Broker) FailAuth(status int, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authStatus = status
	b.authText = text
}

// RejectPlacesAfter accepts n more placements and rejects the rest with text.
func (b *Broker) RejectPlacesAfter(n int, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acceptLimit = b.accepted + n
	b.rejectText = text
}

// HangCancel makes cancels of id block until the client gives up.
func (b *Broker) HangCancel(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hangCancel[id] = true
}

// RefuseCancel makes cancels of id fail.
func (b *Broker) RefuseCancel(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCancel[id] = true
}

// FailLists makes the next n order list calls fail with 503.
func (b *Broker) FailLists(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listFailures = n
}

// SetStreamStatus forces the status code of the stream auth ack.
func (b *Broker) SetStreamStatus(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamStatus = status
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
