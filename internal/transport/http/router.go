package httpapi

import (
	"errors"
	"net/http"

	"skipper/internal/gateway/broker"
	"skipper/internal/logger"
	"skipper/internal/orchestrator"
	"skipper/internal/reconcile"
	"skipper/internal/resilience"
	"skipper/internal/resilience/circuit"
	"skipper/internal/security"
	"skipper/internal/store/model"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Router exposes the orchestration API. Operator endpoints sit behind
// the service token; webhook triggers behind HMAC verification; both
// share the rate-limit and backpressure gate.
type Router struct {
	orc        *orchestrator.Orchestrator
	gateway    *broker.OrderGateway
	reconciler *reconcile.Reconciler
	auth       *security.WebhookAuthenticator
	limiter    *resilience.RateLimiter
	queue      *resilience.BackpressureQueue
	breakers   *circuit.Registry
	idem       *resilience.IdempotencyStore

	serviceToken string
}

type RouterDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Gateway      *broker.OrderGateway
	Reconciler   *reconcile.Reconciler
	Auth         *security.WebhookAuthenticator
	Limiter      *resilience.RateLimiter
	Queue        *resilience.BackpressureQueue
	Breakers     *circuit.Registry
	Idempotency  *resilience.IdempotencyStore
	ServiceToken string
}

func NewRouter(deps RouterDeps) *Router {
	return &Router{
		orc:          deps.Orchestrator,
		gateway:      deps.Gateway,
		reconciler:   deps.Reconciler,
		auth:         deps.Auth,
		limiter:      deps.Limiter,
		queue:        deps.Queue,
		breakers:     deps.Breakers,
		idem:         deps.Idempotency,
		serviceToken: deps.ServiceToken,
	}
}

// Handler builds the gin engine with all routes mounted.
func (r *Router) Handler() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/status/:run_id", r.handleStatus)
	engine.GET("/metrics", r.handleMetrics)

	guarded := engine.Group("",
		r.serviceTokenMiddleware(), r.rateLimitMiddleware(), r.backpressureMiddleware())
	guarded.POST("/ingest", r.handleStage(model.StageIngest))
	guarded.POST("/train", r.handleStage(model.StageTrain))
	guarded.POST("/backtest", r.handleStage(model.StageBacktest))
	guarded.POST("/promote", r.handleStage(model.StagePromote))
	guarded.POST("/execute", r.handleExecute)

	hooks := engine.Group("/webhook",
		r.webhookAuthMiddleware(), r.rateLimitMiddleware(), r.backpressureMiddleware())
	hooks.POST("/*trigger", r.handleWebhook)

	return engine
}

// handleStage creates a run in the given stage, or advances an
// existing one when the request names a run_id. Either way the listed
// jobs are spawned under the run.
func (r *Router) handleStage(stage model.RunStage) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := rawBody(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
			return
		}
		doc, err := validateJSON(stageSchema, body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config", "detail": err.Error()})
			return
		}

		ctx := c.Request.Context()
		runID := gjson.GetBytes(body, "run_id").String()
		if runID == "" {
			config, _ := doc["config"].(map[string]any)
			runID, err = r.orc.StartRun(ctx, gjson.GetBytes(body, "strategy_ref").String(), stage, config)
			if err != nil {
				r.renderOrchestratorError(c, err)
				return
			}
		}

		jobIDs := make([]string, 0)
		for _, raw := range gjson.GetBytes(body, "jobs").Array() {
			desc := orchestrator.JobDescriptor{
				JobType:    raw.Get("job_type").String(),
				Priority:   int(raw.Get("priority").Int()),
				Optional:   raw.Get("optional").Bool(),
				MaxRetries: int(raw.Get("max_retries").Int()),
				WorkerID:   raw.Get("worker_id").String(),
			}
			if params, ok := raw.Get("parameters").Value().(map[string]any); ok {
				desc.Parameters = params
			}
			jobID, err := r.orc.Advance(ctx, runID, desc)
			if err != nil {
				r.renderOrchestratorError(c, err)
				return
			}
			jobIDs = append(jobIDs, jobID)
		}

		logger.Infof("[api] stage %s ip=%s run=%s jobs=%d", stage, c.ClientIP(), runID, len(jobIDs))
		c.JSON(http.StatusOK, gin.H{"run_id": runID, "stage": stage, "job_ids": jobIDs})
	}
}

type executeRequest struct {
	RunID    string          `json:"run_id" binding:"required"`
	ClientID string          `json:"client_id" binding:"required"`
	Symbol   string          `json:"symbol" binding:"required"`
	Side     model.OrderSide `json:"side" binding:"required"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// handleExecute submits one order. Identical (run_id, client_id) pairs
// collapse onto a single submission; filled orders are reconciled into
// the run's position before responding.
func (r *Router) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config", "detail": err.Error()})
		return
	}

	ctx := c.Request.Context()
	order, err := r.gateway.Submit(ctx, broker.SubmitRequest{
		RunID:    req.RunID,
		ClientID: req.ClientID,
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    req.Price,
	})
	if err != nil {
		status := http.StatusBadGateway
		var exhausted *resilience.RetryExhaustedError
		if !errors.As(err, &exhausted) {
			status = http.StatusBadRequest
		}
		resp := gin.H{"error": "submit_failed", "detail": err.Error()}
		if order != nil {
			resp["order"] = order
		}
		c.JSON(status, resp)
		return
	}

	resp := gin.H{"order": order}
	if order.Status == model.OrderStatusFilled {
		position, rerr := r.reconciler.ApplyExecution(ctx,
			order.OrderID, order.RunID, order.Symbol, order.Side,
			order.FilledQuantity, order.AveragePrice)
		if rerr != nil {
			logger.Errorf("[api] reconcile after fill failed order=%s err=%v", order.OrderID, rerr)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_failed", "order": order})
			return
		}
		resp["position"] = position
	}
	c.JSON(http.StatusOK, resp)
}

// handleStatus reports the last known run state. It must succeed for
// failed runs too, so failures surface through the payload, never the
// status code (unknown run ids excepted).
func (r *Router) handleStatus(c *gin.Context) {
	snap, err := r.orc.Status(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (r *Router) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rate_limiter":           r.limiter.Stats(),
		"queue":                  r.queue.Stats(),
		"circuits":               r.breakers.Snapshots(),
		"idempotency_cache_size": r.idem.Size(),
	})
}

// handleWebhook dispatches triggers from the external workflow host.
// The auth middleware has already verified signature, freshness and
// origin over the exact raw bytes parsed here.
func (r *Router) handleWebhook(c *gin.Context) {
	body, err := rawBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}
	doc, err := validateJSON(webhookSchema, body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config", "detail": err.Error()})
		return
	}

	ctx := c.Request.Context()
	action := gjson.GetBytes(body, "action").String()
	runID := gjson.GetBytes(body, "run_id").String()
	logger.Infof("[api] webhook ip=%s action=%s run=%s", c.ClientIP(), action, runID)

	switch action {
	case "start_run":
		stage := model.RunStage(gjson.GetBytes(body, "stage").String())
		config, _ := doc["config"].(map[string]any)
		newID, err := r.orc.StartRun(ctx, gjson.GetBytes(body, "strategy_ref").String(), stage, config)
		if err != nil {
			r.renderOrchestratorError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "run_id": newID})

	case "cancel_run", "pause_run", "resume_run":
		if runID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config", "detail": "run_id is required"})
			return
		}
		var opErr error
		switch action {
		case "cancel_run":
			opErr = r.orc.Cancel(ctx, runID)
		case "pause_run":
			opErr = r.orc.Pause(ctx, runID)
		case "resume_run":
			opErr = r.orc.Resume(ctx, runID)
		}
		if opErr != nil {
			r.renderOrchestratorError(c, opErr)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "run_id": runID})

	case "job_result":
		jobID := gjson.GetBytes(body, "job_id").String()
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config", "detail": "job_id is required"})
			return
		}
		status := model.JobStatus(gjson.GetBytes(body, "status").String())
		var jobErr error
		if msg := gjson.GetBytes(body, "error").String(); msg != "" {
			jobErr = errors.New(msg)
		}
		results, _ := doc["results"].(map[string]any)
		if err := r.orc.RecordOutcome(ctx, jobID, status, results, jobErr); err != nil {
			r.renderOrchestratorError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "job_id": jobID})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config", "detail": "unknown action " + action})
	}
}

func (r *Router) renderOrchestratorError(c *gin.Context, err error) {
	var invalid *orchestrator.InvalidConfigError
	var notActive *orchestrator.RunNotActiveError
	switch {
	case errors.Is(err, orchestrator.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "run_not_found"})
	case errors.Is(err, orchestrator.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job_not_found"})
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config", "detail": invalid.Detail})
	case errors.As(err, &notActive):
		c.JSON(http.StatusConflict, gin.H{"error": "run_not_active", "status": notActive.Status})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
