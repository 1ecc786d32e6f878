package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mnq-momentum-trader/internal/metrics"
	"mnq-momentum-trader/internal/model"
)

// OrderRequest is one order to place.
type OrderRequest struct {
	Symbol      string
	Side        model.Side
	Qty         int
	Type        model.OrderType
	Price       float64 // Limit and StopLimit
	StopPrice   float64 // Stop and StopLimit
	TimeInForce model.TimeInForce
}

type placeOrderBody struct {
	AccountSpec string   `json:"accountSpec"`
	AccountID   int64    `json:"accountId"`
	Action      string   `json:"action"`
	Symbol      string   `json:"symbol"`
	OrderQty    int      `json:"orderQty"`
	OrderType   string   `json:"orderType"`
	IsAutomated bool     `json:"isAutomated"`
	TimeInForce string   `json:"timeInForce"`
	Price       *float64 `json:"price,omitempty"`
	StopPrice   *float64 `json:"stopPrice,omitempty"`
}

type orderResult struct {
	OrderID       int64  `json:"orderId"`
	FailureReason string `json:"failureReason"`
	FailureText   string `json:"failureText"`
	ErrorText     string `json:"errorText"`
}

type modifyOrderBody struct {
	OrderID  int64    `json:"orderId"`
	Price    *float64 `json:"price,omitempty"`
	OrderQty *int     `json:"orderQty,omitempty"`
}

type orderRecord struct {
	ID        int64     `json:"id"`
	AccountID int64     `json:"accountId"`
	Action    string    `json:"action"`
	OrdStatus string    `json:"ordStatus"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderClient places and manages orders for one account.
type OrderClient struct {
	client      *Client
	session     *Session
	accountSpec string
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

func NewOrderClient(client *Client, session *Session, accountSpec string, logger *zap.Logger, m *metrics.Metrics) *OrderClient {
	return &OrderClient{
		client:      client,
		session:     session,
		accountSpec: accountSpec,
		logger:      logger.With(zap.String("component", "orders")),
		metrics:     m,
	}
}

// PlaceOrder submits a single order. It is never retried.
func (oc *OrderClient) PlaceOrder(ctx context.Context, req OrderRequest) (int64, error) {
	id, err := oc.placeOrder(ctx, req)
	oc.metrics.OrderRequest(string(req.Type), req.Side.String(), err)
	if err != nil {
		oc.logger.Error("Order failed",
			zap.String("Side", req.Side.String()),
			zap.String("Type", string(req.Type)),
			zap.Int("Qty", req.Qty),
			zap.Error(err),
		)
		return 0, err
	}
	oc.logger.Info("Order placed",
		zap.Int64("OrderID", id),
		zap.String("Side", req.Side.String()),
		zap.String("Type", string(req.Type)),
		zap.Int("Qty", req.Qty),
		zap.String("Symbol", req.Symbol),
	)
	return id, nil
}

func (oc *OrderClient) placeOrder(ctx context.Context, req OrderRequest) (int64, error) {
	header, err := oc.session.authorized(ctx)
	if err != nil {
		return 0, err
	}
	tokens, _ := oc.session.Tokens()

	tif := req.TimeInForce
	if tif == "" {
		tif = model.TIFDay
	}
	body := placeOrderBody{
		AccountSpec: oc.accountSpec,
		AccountID:   tokens.AccountID,
		Action:      req.Side.String(),
		Symbol:      req.Symbol,
		OrderQty:    req.Qty,
		OrderType:   string(req.Type),
		IsAutomated: true,
		TimeInForce: string(tif),
	}
	if req.Type.UsesPrice() {
		body.Price = &req.Price
	}
	if req.Type.UsesStopPrice() {
		body.StopPrice = &req.StopPrice
	}

	var res orderResult
	if err := oc.client.do(ctx, http.MethodPost, "/order/placeorder", header, body, &res); err != nil {
		return 0, err
	}
	if res.FailureReason != "" || res.ErrorText != "" || res.OrderID == 0 {
		return 0, &model.OrderRejection{
			Op:     "place " + string(req.Type),
			Status: http.StatusOK,
			Body:   firstNonEmpty(res.FailureText, res.FailureReason, res.ErrorText, "no order id returned"),
		}
	}
	return res.OrderID, nil
}

// CancelOrder is a single-attempt cancel.
func (oc *OrderClient) CancelOrder(ctx context.Context, orderID int64) error {
	header, err := oc.session.authorized(ctx)
	if err != nil {
		return err
	}
	var res orderResult
	err = oc.client.do(ctx, http.MethodPost, "/order/cancelorder", header, map[string]int64{"orderId": orderID}, &res)
	if err == nil && (res.FailureReason != "" || res.ErrorText != "") {
		err = &model.OrderRejection{Op: fmt.Sprintf("cancel %d", orderID), Status: http.StatusOK, Body: firstNonEmpty(res.FailureText, res.FailureReason, res.ErrorText)}
	}
	oc.metrics.OrderRequest("Cancel", "", err)
	if err != nil {
		oc.logger.Warn("Cancel failed", zap.Int64("OrderID", orderID), zap.Error(err))
		return err
	}
	oc.logger.Info("Cancelled order", zap.Int64("OrderID", orderID))
	return nil
}

// ModifyOrder is a single-attempt modify. Zero values leave the field unchanged.
func (oc *OrderClient) ModifyOrder(ctx context.Context, orderID int64, price float64, qty int) error {
	header, err := oc.session.authorized(ctx)
	if err != nil {
		return err
	}
	body := modifyOrderBody{OrderID: orderID}
	if price != 0 {
		body.Price = &price
	}
	if qty != 0 {
		body.OrderQty = &qty
	}
	var res orderResult
	err = oc.client.do(ctx, http.MethodPost, "/order/modifyorder", header, body, &res)
	if err == nil && (res.FailureReason != "" || res.ErrorText != "") {
		err = &model.OrderRejection{Op: fmt.Sprintf("modify %d", orderID), Status: http.StatusOK, Body: firstNonEmpty(res.FailureText, res.FailureReason, res.ErrorText)}
	}
	oc.metrics.OrderRequest("Modify", "", err)
	if err != nil {
		oc.logger.Warn("Modify failed", zap.Int64("OrderID", orderID), zap.Error(err))
		return err
	}
	oc.logger.Info("Modified order", zap.Int64("OrderID", orderID), zap.Float64("Price", price), zap.Int("Qty", qty))
	return nil
}

// ListOrders returns the session account's orders. The broker lists every account of the
// user, so records of other accounts are dropped, as are records with an unknown status.
func (oc *OrderClient) ListOrders(ctx context.Context) ([]model.Order, error) {
	header, err := oc.session.authorized(ctx)
	if err != nil {
		return nil, err
	}
	tokens, _ := oc.session.Tokens()
	var records []orderRecord
	if err := oc.client.getWithRetry(ctx, "/order/list", header, &records); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	orders := make([]model.Order, 0, len(records))
	for _, r := range records {
		if r.AccountID != tokens.AccountID {
			continue
		}
		status, err := model.ParseOrderStatus(r.OrdStatus)
		if err != nil {
			oc.logger.Debug("Skipping order with unknown status", zap.Int64("OrderID", r.ID), zap.Error(err))
			continue
		}
		side, _ := model.ParseSide(r.Action)
		orders = append(orders, model.Order{ID: r.ID, Side: side, Status: status, UpdatedAt: r.Timestamp})
	}
	return orders, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
