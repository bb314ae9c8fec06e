package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/lasertracker/internal/realtime"
	"github.com/MarkoPoloResearchLab/lasertracker/pkg/ledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type httpHandler struct {
	logger   *zap.Logger
	service  *ledger.Service
	sessions *ledger.Sessions
	hub      *realtime.Hub
	cfg      Config
}

type workRequest struct {
	Actor       string        `json:"actor"`
	Description string        `json:"description"`
	Duration    string        `json:"duration"`
	UnitPrice   ledger.Amount `json:"unit_price"`
	Method      string        `json:"method"`
}

type quoteRequest struct {
	Duration  string        `json:"duration"`
	UnitPrice ledger.Amount `json:"unit_price"`
}

type reverseRequest struct {
	Confirm bool `json:"confirm"`
}

type settleRequest struct {
	Method string `json:"method"`
}

type priceRequest struct {
	UnitPrice ledger.Amount `json:"unit_price"`
}

type tabPayload struct {
	Jobs         int            `json:"jobs"`
	TimeSeconds  int64          `json:"time_seconds"`
	Time         string         `json:"time"`
	Total        ledger.Amount  `json:"total"`
	TotalDisplay string         `json:"total_display"`
	Entries      []ledger.Entry `json:"entries"`
}

type totalsPayload struct {
	Totals   realtime.TotalsView `json:"totals"`
	Goal     ledger.Amount       `json:"goal"`
	Progress float64             `json:"progress"`
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	identity, ok := handler.resolveIdentity(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"identity": realtime.NewIdentityView(identity)})
}

func (handler *httpHandler) handleSignIn(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	identity, err := handler.sessions.SignIn(ctx.Request.Context(), claims.GetUserID(), claims.GetUserDisplayName())
	if err != nil {
		handler.respondError(ctx, "sign in", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"identity": realtime.NewIdentityView(identity)})
}

func (handler *httpHandler) handleSignOut(ctx *gin.Context) {
	identity, ok := handler.resolveIdentity(ctx)
	if !ok {
		return
	}
	signedOut := handler.sessions.SignOut(ctx.Request.Context(), identity)
	ctx.JSON(http.StatusOK, gin.H{"identity": realtime.NewIdentityView(signedOut)})
}

func (handler *httpHandler) handleLedger(ctx *gin.Context) {
	limit := handler.cfg.LedgerPageSize
	if rawLimit := strings.TrimSpace(ctx.Query("limit")); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 || parsed > maxLedgerPageSize {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be between 1 and 1000"))
			return
		}
		limit = parsed
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	entries, err := handler.service.RecentEntries(requestCtx, limit)
	if err != nil {
		handler.respondError(ctx, "list entries", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (handler *httpHandler) handleTotals(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	totals, err := handler.service.Totals(requestCtx)
	if err != nil {
		handler.respondError(ctx, "totals", err)
		return
	}
	ctx.JSON(http.StatusOK, handler.totalsPayload(totals))
}

func (handler *httpHandler) handleQuote(ctx *gin.Context) {
	var request quoteRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := handler.service.QuoteWork(request.Duration, request.UnitPrice)
	if err != nil {
		handler.respondError(ctx, "quote", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"amount": amount, "display": ledger.FormatCurrency(amount)})
}

func (handler *httpHandler) handleWork(ctx *gin.Context) {
	identity, ok := handler.resolveIdentity(ctx)
	if !ok {
		return
	}
	var request workRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	actor := request.Actor
	if strings.TrimSpace(actor) == "" && identity.IsAuthenticated() {
		actor = identity.DisplayName
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	entry, err := handler.service.RecordWork(requestCtx, identity, ledger.WorkRequest{
		Actor:       actor,
		Description: request.Description,
		Duration:    request.Duration,
		UnitPrice:   request.UnitPrice,
		Method:      request.Method,
	})
	if err != nil {
		handler.respondError(ctx, "record work", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"entry": entry})
}

func (handler *httpHandler) handleReverse(ctx *gin.Context) {
	identity, ok := handler.resolveIdentity(ctx)
	if !ok {
		return
	}
	if !identity.IsAdmin {
		handler.respondError(ctx, "reverse", ledger.ErrAdminRequired)
		return
	}
	var request reverseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if !request.Confirm {
		ctx.JSON(http.StatusBadRequest, errorResponse("confirmation_required", "reversing an entry cannot be undone; resend with confirm=true"))
		return
	}
	entryID, err := ledger.NewEntryID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "reverse", err)
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	original, err := handler.service.Entry(requestCtx, entryID)
	if err != nil {
		handler.respondError(ctx, "reverse", err)
		return
	}
	reversal, err := handler.service.ReverseEntry(requestCtx, identity, original)
	if err != nil {
		handler.respondError(ctx, "reverse", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"entry": reversal})
}

func (handler *httpHandler) handleTab(ctx *gin.Context) {
	identity, ok := handler.resolveIdentity(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	summary, err := handler.service.Tab(requestCtx, identity)
	if err != nil {
		handler.respondError(ctx, "tab", err)
		return
	}
	entries := summary.Entries
	if entries == nil {
		entries = []ledger.Entry{}
	}
	ctx.JSON(http.StatusOK, gin.H{"tab": tabPayload{
		Jobs:         summary.Jobs,
		TimeSeconds:  summary.Time.Int64(),
		Time:         ledger.FormatDuration(summary.Time),
		Total:        summary.Total,
		TotalDisplay: ledger.FormatCurrency(summary.Total),
		Entries:      entries,
	}})
}

func (handler *httpHandler) handleSettleTab(ctx *gin.Context) {
	identity, ok := handler.resolveIdentity(ctx)
	if !ok {
		return
	}
	var request settleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	payment, err := handler.service.SettleTab(requestCtx, identity, request.Method)
	if err != nil {
		handler.respondError(ctx, "settle tab", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"entry": payment})
}

func (handler *httpHandler) handleGetPrice(ctx *gin.Context) {
	identity, ok := handler.resolveIdentity(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	price, remembered, err := handler.service.PreferredPrice(requestCtx, identity)
	if err != nil {
		handler.respondError(ctx, "preferred price", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"unit_price": price, "remembered": remembered})
}

func (handler *httpHandler) handlePutPrice(ctx *gin.Context) {
	identity, ok := handler.resolveIdentity(ctx)
	if !ok {
		return
	}
	var request priceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	if err := handler.service.RememberPrice(requestCtx, identity, request.UnitPrice); err != nil {
		handler.respondError(ctx, "remember price", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"unit_price": request.UnitPrice, "remembered": true})
}

func (handler *httpHandler) handleRebuild(ctx *gin.Context) {
	identity, ok := handler.resolveIdentity(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RebuildTimeout)
	defer cancel()
	totals, err := handler.service.RebuildTotals(requestCtx, identity)
	if err != nil {
		handler.respondError(ctx, "rebuild totals", err)
		return
	}
	ctx.JSON(http.StatusOK, handler.totalsPayload(totals))
}

// handleEvents streams change notifications. The stream opens with the
// caller's identity and the current totals so a view can render at once.
func (handler *httpHandler) handleEvents(ctx *gin.Context) {
	identity, ok := handler.resolveIdentity(ctx)
	if !ok {
		return
	}
	totals, err := handler.service.Totals(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, "totals", err)
		return
	}
	events, unsubscribe := handler.hub.Subscribe(identity.UserID)
	defer unsubscribe()

	ctx.Header("Cache-Control", "no-cache")
	ctx.Header("X-Accel-Buffering", "no")
	identityView := realtime.NewIdentityView(identity)
	totalsView := realtime.NewTotalsView(totals)
	ctx.SSEvent(string(realtime.EventIdentityChanged), realtime.Event{Type: realtime.EventIdentityChanged, Subject: identity.UserID.String(), Identity: &identityView})
	ctx.SSEvent(string(realtime.EventTotalsChanged), realtime.Event{Type: realtime.EventTotalsChanged, Totals: &totalsView})
	ctx.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	ctx.Stream(func(writer io.Writer) bool {
		select {
		case event, open := <-events:
			if !open {
				return false
			}
			ctx.SSEvent(string(event.Type), event)
			return true
		case <-heartbeat.C:
			ctx.SSEvent("heartbeat", gin.H{"unix_ms": time.Now().UnixMilli()})
			return true
		case <-ctx.Request.Context().Done():
			return false
		}
	})
}

// resolveIdentity returns the caller's identity, anonymous when there is no
// session. It writes the error response itself and reports false on failure.
func (handler *httpHandler) resolveIdentity(ctx *gin.Context) (ledger.Identity, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		return ledger.Identity{}, true
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()
	identity, err := handler.sessions.Resolve(requestCtx, claims.GetUserID(), claims.GetUserDisplayName())
	if err != nil {
		handler.respondError(ctx, "resolve identity", err)
		return ledger.Identity{}, false
	}
	return identity, true
}

func (handler *httpHandler) totalsPayload(totals ledger.Totals) totalsPayload {
	return totalsPayload{
		Totals:   realtime.NewTotalsView(totals),
		Goal:     handler.cfg.FundraisingGoal,
		Progress: totals.Progress(handler.cfg.FundraisingGoal),
	}
}

func (handler *httpHandler) respondError(ctx *gin.Context, action string, err error) {
	switch {
	case errors.Is(err, ledger.ErrRebuildInProgress):
		ctx.JSON(http.StatusConflict, errorResponse("rebuild_in_progress", err.Error()))
	case errors.Is(err, ledger.ErrUnknownEntry):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "entry not found"))
	case errors.Is(err, ledger.ErrAdminRequired):
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", err.Error()))
	case errors.Is(err, ledger.ErrUnauthorized):
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", err.Error()))
	case errors.Is(err, ledger.ErrFormat):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, ledger.ErrStore):
		handler.logger.Error(action+" failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", action+" failed"))
	default:
		handler.logger.Error(action+" failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", action+" failed"))
	}
}
