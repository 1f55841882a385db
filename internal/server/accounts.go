package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botkeeper/internal/exchange"
	"github.com/loykin/botkeeper/internal/group"
	"github.com/loykin/botkeeper/internal/store"
)

type accountResp struct {
	store.Account
	Positions []store.Position `json:"positions"`
}

type createAccountReq struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

type groupResp struct {
	AccountID string         `json:"account_id"`
	Results   []group.Result `json:"results"`
	Error     string         `json:"error,omitempty"`
}

type orderReq struct {
	WorkerID string     `json:"worker_id"`
	Symbol   string     `json:"symbol"`
	Side     store.Side `json:"side"`
	Quantity float64    `json:"quantity"`
}

func (r *Router) recordsReady(c *gin.Context) bool {
	if r.records == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "record store is not configured"})
		return false
	}
	return true
}

func (r *Router) handleListAccounts(c *gin.Context) {
	if !r.recordsReady(c) {
		return
	}
	as, err := r.records.ListAccounts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, as)
}

func (r *Router) handleCreateAccount(c *gin.Context) {
	if !r.recordsReady(c) {
		return
	}
	var req createAccountReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	a := store.Account{
		ID:       strings.TrimSpace(req.ID),
		Name:     strings.TrimSpace(req.Name),
		Exchange: strings.ToLower(strings.TrimSpace(req.Exchange)),
		Currency: strings.ToUpper(strings.TrimSpace(req.Currency)),
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	if a.Exchange == "" {
		a.Exchange = "paper"
	}
	if a.Currency == "" {
		a.Currency = "USD"
	}
	if err := r.records.CreateAccount(c.Request.Context(), a); err != nil {
		writeError(c, err)
		return
	}
	got, err := r.records.GetAccount(c.Request.Context(), a.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, got)
}

func (r *Router) handleGetAccount(c *gin.Context) {
	if !r.recordsReady(c) {
		return
	}
	ctx := c.Request.Context()
	a, err := r.records.GetAccount(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	ps, err := r.records.ListPositions(ctx, a.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, accountResp{Account: a, Positions: ps})
}

func (r *Router) handleDeleteAccount(c *gin.Context) {
	if !r.recordsReady(c) {
		return
	}
	if err := r.records.DeleteAccount(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleTrades(c *gin.Context) {
	if !r.recordsReady(c) {
		return
	}
	limit, err := parseLimit(c, defaultLogLimit)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := r.records.GetAccount(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	ts, err := r.records.ListTrades(ctx, id, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, ts)
}

func (r *Router) handlePlaceOrder(c *gin.Context) {
	if r.rec == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "exchange reconciliation is not configured"})
		return
	}
	var req orderReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	side, err := store.ParseSide(string(req.Side))
	if err != nil {
		writeError(c, err)
		return
	}
	t, err := r.rec.Place(c.Request.Context(), c.Param("id"), req.WorkerID,
		exchange.Order{Symbol: req.Symbol, Side: side, Quantity: req.Quantity})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, t)
}

func (r *Router) handleSync(c *gin.Context) {
	if r.rec == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "exchange reconciliation is not configured"})
		return
	}
	rep, err := r.rec.Sync(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rep)
}

func (r *Router) handleHalt(c *gin.Context) {
	id := c.Param("id")
	res, err := r.grp.Stop(c.Request.Context(), r.grp.ForAccount(id))
	r.writeGroup(c, id, res, err)
}

func (r *Router) handleResume(c *gin.Context) {
	id := c.Param("id")
	res, err := r.grp.Start(c.Request.Context(), r.grp.ForAccount(id))
	r.writeGroup(c, id, res, err)
}

func (r *Router) writeGroup(c *gin.Context, accountID string, res []group.Result, err error) {
	if res == nil {
		res = []group.Result{}
	}
	out := groupResp{AccountID: accountID, Results: res}
	code := http.StatusOK
	if err != nil {
		out.Error = err.Error()
		code = statusFor(err)
	}
	writeJSON(c, code, out)
}
