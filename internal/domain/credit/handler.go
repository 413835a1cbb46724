package credit

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/middleware"
	"github.com/ashtli10/real-estate-manzanillo-sub002/internal/pkg/response"
)

// Handler handles credit HTTP requests
type Handler struct {
	service Service
}

// NewHandler creates credit handler
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// GetBalance handles GET /credits/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		if err == ErrAccountNotFound {
			// A user without an account simply has no credits yet
			response.OK(w, Balance{})
			return
		}
		response.InternalError(w)
		return
	}

	response.OK(w, balance)
}

// ListTransactions handles GET /credits/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	transactions, err := h.service.ListTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		response.InternalError(w)
		return
	}

	items := make([]*TransactionResponse, len(transactions))
	for i := range transactions {
		items[i] = TransactionResponseFromEntity(&transactions[i])
	}

	response.OK(w, items)
}

// Routes returns credit router
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)

	r.Get("/balance", h.GetBalance)
	r.Get("/transactions", h.ListTransactions)

	return r
}
