package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/parkpos/backend/internal/fee"
	"github.com/example/parkpos/backend/internal/repository"
	"github.com/example/parkpos/backend/internal/service"
)

const maxListLimit = 500

// Server wraps the gin engine and collaborators needed to handle API requests.
type Server struct {
	Engine   *gin.Engine
	tickets  *service.TicketService
	auth     *StaffAuth
	gatherer prometheus.Gatherer
}

// ServerOption configures optional collaborators.
type ServerOption func(*Server)

// WithStaffAuth requires a staff bearer token on every parking route.
func WithStaffAuth(auth *StaffAuth) ServerOption {
	return func(s *Server) { s.auth = auth }
}

// WithMetrics exposes g on /metrics.
func WithMetrics(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

// NewServer constructs a new API server and registers routes.
func NewServer(tickets *service.TicketService, opts ...ServerOption) *Server {
	srv := &Server{Engine: gin.Default(), tickets: tickets}
	for _, opt := range opts {
		opt(srv)
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) registerRoutes() {
	s.Engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.gatherer != nil {
		s.Engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	api := s.Engine.Group("/api/v1/parking")
	if s.auth != nil {
		api.Use(s.auth.Middleware())
	}
	api.POST("/tickets", s.issueTicket)
	api.GET("/tickets", s.listTickets)
	api.POST("/tickets/checkout", s.checkoutTicket)
	api.GET("/tickets/:ref", s.getTicket)
	api.GET("/tickets/:ref/quote", s.quoteFee)
}

func (s *Server) issueTicket(c *gin.Context) {
	var payload struct {
		VehicleType string `json:"vehicleType" binding:"required"`
		IssuedByID  string `json:"issuedById"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	staffID, ok := resolveStaff(c, strings.TrimSpace(payload.IssuedByID))
	if !ok {
		return
	}

	// vehicle types are matched exactly; "CAR" is not "car"
	vehicleType := fee.VehicleType(strings.TrimSpace(payload.VehicleType))
	ticket, err := s.tickets.IssueTicket(c.Request.Context(), vehicleType, staffID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ticket)
}

func (s *Server) checkoutTicket(c *gin.Context) {
	var payload struct {
		TicketID       string `json:"ticketId"`
		Code           string `json:"code"`
		CheckedOutByID string `json:"checkedOutById"`
		// Older scanner builds still send these; the server always recomputes them.
		TotalFee     *float64 `json:"totalFee"`
		DurationMins *float64 `json:"durationMins"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ref := strings.TrimSpace(payload.Code)
	if ref == "" {
		ref = strings.TrimSpace(payload.TicketID)
	}
	if ref == "" {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", "ticketId or code is required")
		return
	}
	staffID, ok := resolveStaff(c, strings.TrimSpace(payload.CheckedOutByID))
	if !ok {
		return
	}

	ticket, err := s.tickets.CheckoutTicket(c.Request.Context(), ref, staffID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func (s *Server) listTickets(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(repository.DefaultListLimit)))
	if err != nil || limit < 1 || limit > maxListLimit {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", "limit must be between 1 and 500")
		return
	}
	tickets, err := s.tickets.ListTickets(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tickets)
}

func (s *Server) getTicket(c *gin.Context) {
	ticket, err := s.tickets.GetTicket(c.Request.Context(), c.Param("ref"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func (s *Server) quoteFee(c *gin.Context) {
	quote, err := s.tickets.QuoteFee(c.Request.Context(), c.Param("ref"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}
