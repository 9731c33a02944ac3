// Package api serves the order HTTP endpoints and the websocket status stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/ismaiel54/limit-order-pipeline/internal/broadcast"
	"github.com/ismaiel54/limit-order-pipeline/internal/order"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// OrderSubmitter records and enqueues a new order
type OrderSubmitter interface {
	Enqueue(ctx context.Context, orderID, tokenIn, tokenOut string, amount, targetPrice float64) (bool, error)
}

// OrderReader loads stored orders
type OrderReader interface {
	Get(ctx context.Context, orderID string) (order.Order, error)
}

// Hub registers websocket connections for an order's status stream.
// Satisfied by *broadcast.Broadcaster.
type Hub interface {
	Subscribe(ctx context.Context, orderID string, conn broadcast.Conn) error
	Unsubscribe(orderID string, conn broadcast.Conn)
}

// ExecuteOrderRequest is the body of POST /api/orders/execute
type ExecuteOrderRequest struct {
	OrderType   string  `json:"orderType" validate:"required"`
	TokenIn     string  `json:"tokenIn" validate:"required"`
	TokenOut    string  `json:"tokenOut" validate:"required"`
	Amount      float64 `json:"amount" validate:"required,gt=0"`
	TargetPrice float64 `json:"targetPrice" validate:"required,gt=0"`
}

// ExecuteOrderResponse is returned when an order is accepted
type ExecuteOrderResponse struct {
	OrderID string `json:"orderId"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Server handles the REST API and websocket connections
type Server struct {
	router    *mux.Router
	submitter OrderSubmitter
	orders    OrderReader
	hub       Hub
	validate  *validator.Validate
	newID     func() string
	logger    *zap.Logger

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates the API server and registers its routes
func NewServer(submitter OrderSubmitter, orders OrderReader, hub Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	s := &Server{
		router:    mux.NewRouter(),
		submitter: submitter,
		orders:    orders,
		hub:       hub,
		validate:  v,
		newID:     uuid.NewString,
		logger:    logger.With(zap.String("component", "api")),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/orders/execute", s.handleExecuteOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{orderId}", s.handleGetOrder).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the routes wrapped in CORS handling
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves the API on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("starting API server", zap.String("addr", addr))
	return srv.ListenAndServe()
}

// Shutdown stops accepting requests. Hijacked websocket connections are not
// tracked by http.Server; the broadcaster closes those.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleExecuteOrder(w http.ResponseWriter, r *http.Request) {
	var req ExecuteOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err), "")
		return
	}

	if req.OrderType != "limit" {
		respondError(w, http.StatusBadRequest, `Only limit orders are supported. Use orderType: "limit"`, "")
		return
	}

	orderID := s.newID()
	s.logger.Info("creating new order",
		zap.String("order_id", orderID),
		zap.String("token_in", req.TokenIn),
		zap.String("token_out", req.TokenOut),
		zap.Float64("amount", req.Amount),
		zap.Float64("target_price", req.TargetPrice),
	)

	if _, err := s.submitter.Enqueue(r.Context(), orderID, req.TokenIn, req.TokenOut, req.Amount, req.TargetPrice); err != nil {
		if errors.Is(err, order.ErrInvalidOrder) {
			respondError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		s.logger.Error("error creating order", zap.String("order_id", orderID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to create order", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, ExecuteOrderResponse{OrderID: orderID})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["orderId"]

	o, err := s.orders.Get(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Order not found", "")
			return
		}
		s.logger.Error("error fetching order", zap.String("order_id", orderID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to fetch order", "")
		return
	}

	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// validationMessage reports the first failing field
func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err.Error()
	}

	fe := fieldErrs[0]
	switch {
	case fe.Kind() == reflect.Float64:
		return fmt.Sprintf("%s is required and must be a positive number", fe.Field())
	case fe.Tag() == "required":
		return fmt.Sprintf("%s is required", fe.Field())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, msg, details string) {
	respondJSON(w, status, ErrorResponse{Error: msg, Details: details})
}
