// Package gateway exposes the compliance engine over HTTP: the transfer
// review hook, the read-only query surface, and the administrative
// endpoints. It also fans review decisions out to NATS and connected
// websocket dashboards and records them in the audit log.
package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/assetguard/internal/allowance"
	"github.com/terminal-bench/assetguard/internal/audit"
	"github.com/terminal-bench/assetguard/internal/auth"
	"github.com/terminal-bench/assetguard/internal/controller"
	"github.com/terminal-bench/assetguard/pkg/circuit"
	"github.com/terminal-bench/assetguard/pkg/clock"
	"github.com/terminal-bench/assetguard/pkg/messaging"
)

// Config holds gateway settings.
type Config struct {
	// LedgerInterval is the number of ledger-time seconds per ledger
	// sequence increment, used to derive the current ledger for allowance
	// expiry checks.
	LedgerInterval uint64
}

// Gateway wires the engine to its HTTP surface.
type Gateway struct {
	router    *gin.Engine
	engine    *controller.Engine
	auth      *auth.Service
	clk       clock.Clock
	msgClient *messaging.Client
	auditor   *audit.Recorder
	breakers  *circuit.BreakerGroup
	cfg       Config

	wsMu      sync.RWMutex
	wsClients map[uuid.UUID]*wsClient
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// NewGateway builds the router. msgClient and auditor may be nil; the
// gateway then runs without event fan-out or audit persistence.
func NewGateway(engine *controller.Engine, authSvc *auth.Service, clk clock.Clock, msgClient *messaging.Client, auditor *audit.Recorder, cfg Config) *Gateway {
	if cfg.LedgerInterval == 0 {
		cfg.LedgerInterval = 5
	}

	g := &Gateway{
		router:    gin.Default(),
		engine:    engine,
		auth:      authSvc,
		clk:       clk,
		msgClient: msgClient,
		auditor:   auditor,
		breakers: circuit.NewBreakerGroup(circuit.Config{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 3,
		}),
		cfg:       cfg,
		wsClients: make(map[uuid.UUID]*wsClient),
	}

	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		v1.POST("/initialize", g.authMiddleware(), g.initialize)
		v1.POST("/transfers/review", g.authMiddleware(), g.reviewTransfer)
		v1.POST("/transfers/review-from", g.authMiddleware(), g.reviewTransferFrom)

		v1.POST("/accounts/:id/probation", g.authMiddleware(), g.setProbationStart)
		v1.POST("/admin", g.authMiddleware(), g.setAdmin)

		v1.POST("/allowances", g.authMiddleware(), g.approve)
		v1.GET("/allowances/:spender", g.authMiddleware(), g.getAllowance)

		v1.GET("/accounts/:id/quota", g.getQuota)
		v1.GET("/accounts/:id/quota/release", g.getQuotaReleaseTime)
		v1.GET("/accounts/:id/probation", g.getAccountProbationPeriod)
		v1.GET("/config", g.getConfig)

		v1.GET("/ws", g.authMiddleware(), g.handleWebSocket)
	}
}

// Router returns the underlying handler, used by tests and the server main.
func (g *Gateway) Router() http.Handler {
	return g.router
}

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := g.auth.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("account", claims.Account)
		c.Next()
	}
}

func caller(c *gin.Context) string {
	return c.MustGet("account").(string)
}

// currentLedger derives the ledger sequence from ledger time.
func (g *Gateway) currentLedger() uint32 {
	return uint32(g.clk.Now() / g.cfg.LedgerInterval)
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type initializeRequest struct {
	Admin           string          `json:"admin" binding:"required"`
	Asset           string          `json:"asset" binding:"required"`
	ProbationPeriod uint64          `json:"probation_period"`
	QuotaTimeLimit  uint64          `json:"quota_time_limit" binding:"required"`
	InflowLimit     decimal.Decimal `json:"inflow_limit"`
	OutflowLimit    decimal.Decimal `json:"outflow_limit"`
}

func (g *Gateway) initialize(c *gin.Context) {
	var req initializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	// Whoever bootstraps the controller must claim the admin identity.
	if caller(c) != req.Admin {
		c.JSON(http.StatusForbidden, gin.H{"error": "caller must be the configured admin"})
		return
	}

	err := g.engine.Initialize(c.Request.Context(), controller.Config{
		Admin:           req.Admin,
		Asset:           req.Asset,
		ProbationPeriod: req.ProbationPeriod,
		QuotaTimeLimit:  req.QuotaTimeLimit,
		InflowLimit:     req.InflowLimit,
		OutflowLimit:    req.OutflowLimit,
	})
	if err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "controller initialized"})
}

type reviewRequest struct {
	To     string          `json:"to" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

func (g *Gateway) reviewTransfer(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	from := caller(c)
	now := g.clk.Now()
	err := g.engine.ReviewTransfer(c.Request.Context(), from, req.To, req.Amount, now)
	g.recordDecision(c, from, req.To, "", req.Amount, now, err)

	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": true})
}

type reviewFromRequest struct {
	From   string          `json:"from" binding:"required"`
	To     string          `json:"to" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

func (g *Gateway) reviewTransferFrom(c *gin.Context) {
	var req reviewFromRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	spender := caller(c)
	now := g.clk.Now()
	err := g.engine.ReviewTransferFrom(c.Request.Context(), spender, req.From, req.To, req.Amount, now, g.currentLedger())
	g.recordDecision(c, req.From, req.To, spender, req.Amount, now, err)

	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": true})
}

type probationRequest struct {
	ProbationStart uint64 `json:"probation_start"`
	ResetQuotas    bool   `json:"reset_quotas"`
}

func (g *Gateway) setProbationStart(c *gin.Context) {
	var req probationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	id := c.Param("id")
	err := g.engine.SetProbationStart(c.Request.Context(), caller(c), id, req.ProbationStart, req.ResetQuotas)
	if err != nil {
		g.renderError(c, err)
		return
	}

	g.publish(c.Request.Context(), messaging.EventTypeProbationSet, messaging.ProbationEvent{
		EventID:        uuid.New(),
		Account:        id,
		ProbationStart: req.ProbationStart,
		QuotasReset:    req.ResetQuotas,
		Timestamp:      time.Now(),
	})
	c.JSON(http.StatusOK, gin.H{"message": "probation updated"})
}

type setAdminRequest struct {
	NewAdmin string `json:"new_admin" binding:"required"`
}

func (g *Gateway) setAdmin(c *gin.Context) {
	var req setAdminRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := g.engine.SetAdmin(c.Request.Context(), caller(c), req.NewAdmin); err != nil {
		g.renderError(c, err)
		return
	}

	g.publish(c.Request.Context(), messaging.EventTypeAdminChanged, messaging.AdminChangedEvent{
		EventID:   uuid.New(),
		NewAdmin:  req.NewAdmin,
		Timestamp: time.Now(),
	})
	c.JSON(http.StatusOK, gin.H{"message": "admin updated"})
}

type approveRequest struct {
	Spender          string          `json:"spender" binding:"required"`
	Amount           decimal.Decimal `json:"amount"`
	ExpirationLedger uint32          `json:"expiration_ledger"`
}

func (g *Gateway) approve(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	err := g.engine.Approve(c.Request.Context(), caller(c), req.Spender, req.Amount, req.ExpirationLedger)
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "allowance set"})
}

func (g *Gateway) getAllowance(c *gin.Context) {
	amount, err := g.engine.GetAllowance(c.Request.Context(), caller(c), c.Param("spender"), g.currentLedger())
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allowance": amount})
}

func (g *Gateway) getQuota(c *gin.Context) {
	quota, err := g.engine.GetQuota(c.Request.Context(), c.Param("id"), g.clk.Now())
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, quota)
}

func (g *Gateway) getQuotaReleaseTime(c *gin.Context) {
	release, err := g.engine.GetQuotaReleaseTime(c.Request.Context(), c.Param("id"), g.clk.Now())
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, release)
}

func (g *Gateway) getAccountProbationPeriod(c *gin.Context) {
	left, err := g.engine.GetAccountProbationPeriod(c.Request.Context(), c.Param("id"), g.clk.Now())
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"probation_remaining": left})
}

func (g *Gateway) getConfig(c *gin.Context) {
	cfg, err := g.engine.GetConfig(c.Request.Context())
	if err != nil {
		g.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"admin":            cfg.Admin,
		"asset":            cfg.Asset,
		"probation_period": cfg.ProbationPeriod,
		"quota_time_limit": cfg.QuotaTimeLimit,
		"inflow_limit":     cfg.InflowLimit,
		"outflow_limit":    cfg.OutflowLimit,
	})
}

// recordDecision publishes and persists the outcome of one review.
func (g *Gateway) recordDecision(c *gin.Context, from, to, spender string, amount decimal.Decimal, now uint64, reviewErr error) {
	ctx := c.Request.Context()
	reason := ""
	if reviewErr != nil {
		reason = reviewErr.Error()
	}

	event := messaging.TransferEvent{
		EventID:     uuid.New(),
		FromAccount: from,
		ToAccount:   to,
		Spender:     spender,
		Amount:      amount.String(),
		LedgerTime:  now,
		Approved:    reviewErr == nil,
		Reason:      reason,
		Timestamp:   time.Now(),
	}

	subject := messaging.EventTypeTransferApproved
	if reviewErr != nil {
		subject = messaging.EventTypeTransferRejected
	}
	g.publish(ctx, subject, event)

	if g.auditor != nil {
		err := g.breakers.Execute(ctx, "audit", func() error {
			return g.auditor.Record(ctx, audit.Review{
				ID:          event.EventID,
				FromAccount: from,
				ToAccount:   to,
				Spender:     spender,
				Amount:      amount.String(),
				Approved:    reviewErr == nil,
				Reason:      reason,
				LedgerTime:  now,
			})
		})
		if err != nil {
			log.Printf("gateway: audit record failed: %v", err)
		}
	}
}

// publish sends an event to NATS behind a breaker and mirrors it to
// websocket subscribers.
func (g *Gateway) publish(ctx context.Context, subject string, event interface{}) {
	if g.msgClient != nil {
		err := g.breakers.Execute(ctx, "nats", func() error {
			return g.msgClient.Publish(ctx, subject, event)
		})
		if err != nil {
			log.Printf("gateway: publish %s failed: %v", subject, err)
		}
	}
	g.broadcast(subject, event)
}

// renderError maps engine errors to HTTP statuses.
func (g *Gateway) renderError(c *gin.Context, err error) {
	var qerr *controller.QuotaExceededError
	switch {
	case errors.As(err, &qerr):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":     "quota exceeded",
			"direction": string(qerr.Direction),
			"account":   qerr.Account,
		})
	case errors.Is(err, controller.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, controller.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, controller.ErrAlreadyInitialized):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, controller.ErrNotInitialized):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, allowance.ErrInsufficient):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
