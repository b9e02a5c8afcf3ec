package api

import (
	"errors"
	"net/http"
	"time"

	"cart-service/internal/auth"
	"cart-service/internal/models"
	"cart-service/internal/service"
	"cart-service/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	carts     *service.CartService
	checkouts *service.CheckoutService
	ledger    *service.Ledger
	catalog   *store.Store

	verifier       auth.TokenVerifier
	guestCookie    string
	guestCookieAge int
}

// NewHandler creates a new HTTP handler
func NewHandler(
	carts *service.CartService,
	checkouts *service.CheckoutService,
	ledger *service.Ledger,
	catalog *store.Store,
	verifier auth.TokenVerifier,
	guestCookie string,
	guestCookieAge int,
) *Handler {
	return &Handler{
		carts:          carts,
		checkouts:      checkouts,
		ledger:         ledger,
		catalog:        catalog,
		verifier:       verifier,
		guestCookie:    guestCookie,
		guestCookieAge: guestCookieAge,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/products", h.listProducts)
		v1.GET("/products/:id", h.getProduct)

		identified := v1.Group("")
		identified.Use(cartKeyMiddleware(h.verifier, h.guestCookie, h.guestCookieAge))
		{
			identified.GET("/cart", h.getCart)
			identified.POST("/cart/items", h.addItem)
			identified.PUT("/cart/items/:productID", h.setItemQuantity)
			identified.DELETE("/cart/items/:productID", h.removeItem)
			identified.DELETE("/cart", h.clearCart)

			identified.POST("/checkout", h.startCheckout)
			identified.GET("/checkout/:id", h.getCheckout)
			identified.POST("/checkout/:id/cancel", h.cancelCheckout)

			identified.GET("/orders", h.listOrders)
			identified.GET("/orders/:id", h.getOrder)
		}
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// listProducts returns the catalog with live availability per product.
func (h *Handler) listProducts(c *gin.Context) {
	ctx := c.Request.Context()

	products, err := h.catalog.GetProducts(ctx)
	if err != nil {
		h.renderError(c, err)
		return
	}
	inventories, err := h.catalog.GetInventories(ctx)
	if err != nil {
		h.renderError(c, err)
		return
	}
	availableByID := make(map[string]int, len(inventories))
	for _, inv := range inventories {
		availableByID[inv.ProductID] = inv.Available()
	}

	out := make([]gin.H, 0, len(products))
	for _, p := range products {
		out = append(out, gin.H{
			"id":        p.ID,
			"sku":       p.SKU,
			"name":      p.Name,
			"price":     p.Price,
			"available": availableByID[p.ID],
		})
	}
	c.JSON(http.StatusOK, gin.H{"products": out})
}

// getProduct returns one product with live availability.
func (h *Handler) getProduct(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	product, err := h.catalog.GetProductByID(ctx, id)
	if err != nil {
		h.renderError(c, err)
		return
	}
	stock, reserved, err := h.ledger.Availability(ctx, id)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":        product.ID,
		"sku":       product.SKU,
		"name":      product.Name,
		"price":     product.Price,
		"available": stock - reserved,
	})
}

// getCart returns the caller's cart. Unknown carts read as empty.
func (h *Handler) getCart(c *gin.Context) {
	cart, err := h.carts.GetCart(c.Request.Context(), cartKey(c))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

type addItemRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

// addItem reserves stock and raises the line by the requested quantity.
func (h *Handler) addItem(c *gin.Context) {
	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	cart, err := h.carts.AddItem(c.Request.Context(), cartKey(c), req.ProductID, req.Quantity)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

type setQuantityRequest struct {
	// Pointer so an explicit zero (remove the line) binds.
	Quantity *int `json:"quantity" binding:"required,min=0"`
}

// setItemQuantity sets a line to an absolute quantity; zero removes it.
func (h *Handler) setItemQuantity(c *gin.Context) {
	var req setQuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	cart, err := h.carts.SetItemQuantity(c.Request.Context(), cartKey(c), c.Param("productID"), *req.Quantity)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

// removeItem deletes a line and releases its full held quantity.
func (h *Handler) removeItem(c *gin.Context) {
	cart, err := h.carts.RemoveItem(c.Request.Context(), cartKey(c), c.Param("productID"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

// clearCart empties the cart. Releases that fail are reported back so the
// caller knows the clear was partial.
func (h *Handler) clearCart(c *gin.Context) {
	cart, failures, err := h.carts.ClearCart(c.Request.Context(), cartKey(c))
	if err != nil {
		h.renderError(c, err)
		return
	}
	resp := gin.H{"cart": cart}
	if len(failures) > 0 {
		resp["failed_releases"] = failures
	}
	c.JSON(http.StatusOK, resp)
}

// startCheckout freezes the cart and opens a payment intent.
func (h *Handler) startCheckout(c *gin.Context) {
	idempotencyKey := c.GetHeader("Idempotency-Key")

	checkout, intent, err := h.checkouts.StartCheckout(c.Request.Context(), cartKey(c), idempotencyKey)
	if err != nil {
		h.renderError(c, err)
		return
	}

	resp := gin.H{"checkout": checkout}
	if intent != nil {
		resp["payment_intent"] = intent
	}
	c.JSON(http.StatusCreated, resp)
}

// getCheckout returns a checkout to its owner.
func (h *Handler) getCheckout(c *gin.Context) {
	checkout, err := h.checkouts.GetCheckout(c.Request.Context(), c.Param("id"), cartKey(c))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, checkout)
}

// cancelCheckout voids a pending checkout and releases its reservations.
func (h *Handler) cancelCheckout(c *gin.Context) {
	if err := h.checkouts.CancelCheckout(c.Request.Context(), c.Param("id"), cartKey(c)); err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.CheckoutStatusCancelled})
}

// listOrders returns the caller's orders.
func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.checkouts.ListOrders(c.Request.Context(), cartKey(c))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder returns one order, owner only.
func (h *Handler) getOrder(c *gin.Context) {
	order, items, err := h.checkouts.GetOrder(c.Request.Context(), c.Param("id"), cartKey(c))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// renderError maps domain errors onto HTTP statuses.
func (h *Handler) renderError(c *gin.Context, err error) {
	if insufficient, ok := models.IsInsufficientStock(err); ok {
		c.JSON(http.StatusConflict, gin.H{
			"error":      "Insufficient stock",
			"product_id": insufficient.ProductID,
			"requested":  insufficient.Requested,
			"available":  insufficient.Available,
		})
		return
	}

	switch {
	case errors.Is(err, models.ErrInvalidQuantity), errors.Is(err, models.ErrEmptyCart):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrCheckoutPending):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
	case errors.Is(err, models.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
	case errors.Is(err, models.ErrTransientConflict):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Temporary contention, please retry",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
