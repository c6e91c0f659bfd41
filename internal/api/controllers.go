package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradesim-core/internal/domain"
	"tradesim-core/internal/trading"
	"tradesim-core/internal/withdrawal"
)

// tradeView is what clients see of a position.
type tradeView struct {
	domain.Position
	RemainingSeconds int64 `json:"remaining_seconds"`
}

type tierView struct {
	ID              string          `json:"id"`
	Label           string          `json:"label"`
	DurationSeconds int64           `json:"duration_seconds"`
	PayoutRate      decimal.Decimal `json:"payout_rate"`
}

func parseListOpts(c *gin.Context) domain.ListOpts {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	return domain.ListOpts{Limit: limit, Offset: offset}
}

// refresh settles due positions on read, so a page load after the close time
// reflects the payout even between sweeps. Errors leave p as read.
func (s *Server) refresh(c *gin.Context, p domain.Position) domain.Position {
	next, err := s.Engine.Refresh(c.Request.Context(), p)
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		s.Logger.Warn("refresh on read failed", zap.String("position_id", p.ID), zap.Error(err))
		return p
	}
	if errors.Is(err, domain.ErrInvalidTransition) {
		if fresh, gerr := s.Store.GetPosition(c.Request.Context(), p.ID); gerr == nil {
			return fresh
		}
	}
	return next
}

func (s *Server) ownerView(p domain.Position) tradeView {
	now := s.Engine.Now()
	return tradeView{Position: p.OwnerView(now), RemainingSeconds: int64(p.Remaining(now).Seconds())}
}

func (s *Server) adminView(p domain.Position) tradeView {
	return tradeView{Position: p, RemainingSeconds: int64(p.Remaining(s.Engine.Now()).Seconds())}
}

func (s *Server) getTiers(c *gin.Context) {
	tiers := s.Trading.Tiers()
	out := make([]tierView, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, tierView{
			ID:              t.ID,
			Label:           t.Label,
			DurationSeconds: int64(t.Duration.Seconds()),
			PayoutRate:      t.PayoutRate,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getInstruments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instruments": s.Trading.Instruments()})
}

func (s *Server) getTickers(c *gin.Context) {
	if s.Feed == nil {
		c.JSON(http.StatusOK, gin.H{"tickers": []any{}, "enabled": false})
		return
	}
	tickers, err := s.Feed.Tickers(c.Request.Context())
	if err != nil && len(tickers) == 0 {
		respondError(c, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "price feed unavailable")
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickers": tickers, "enabled": true})
}

func (s *Server) getMe(c *gin.Context) {
	user, err := s.Store.GetUserByID(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) getBalance(c *gin.Context) {
	userID := CurrentUserID(c)
	balance, err := s.Ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}

func (s *Server) getBalanceHistory(c *gin.Context) {
	entries, err := s.Ledger.History(c.Request.Context(), CurrentUserID(c), parseListOpts(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) openTrade(c *gin.Context) {
	var req struct {
		Instrument string          `json:"instrument"`
		Stake      decimal.Decimal `json:"stake"`
		Direction  string          `json:"direction"`
		Tier       string          `json:"tier"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request payload")
		return
	}
	if req.Instrument == "" || req.Direction == "" || req.Tier == "" {
		s.badRequest(c, "instrument, direction and tier are required")
		return
	}

	res, err := s.Trading.Open(c.Request.Context(), trading.OpenRequest{
		OwnerID:    CurrentUserID(c),
		Instrument: req.Instrument,
		Stake:      req.Stake,
		Direction:  req.Direction,
		TierID:     req.Tier,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"position": s.ownerView(res.Position),
		"balance":  res.Balance,
	})
}

func (s *Server) listTrades(c *gin.Context) {
	opts := parseListOpts(c)
	positions, err := s.Store.ListPositions(c.Request.Context(), domain.PositionFilter{
		OwnerID: CurrentUserID(c),
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]tradeView, 0, len(positions))
	for _, p := range positions {
		out = append(out, s.ownerView(s.refresh(c, p)))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getTrade(c *gin.Context) {
	p, err := s.Store.GetPosition(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if p.OwnerID != CurrentUserID(c) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "")
		return
	}
	c.JSON(http.StatusOK, s.ownerView(s.refresh(c, p)))
}

func (s *Server) requestWithdrawal(c *gin.Context) {
	var req struct {
		Amount  decimal.Decimal `json:"amount"`
		Address string          `json:"address"`
		Network string          `json:"network"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request payload")
		return
	}
	w, balance, err := s.Withdrawals.Request(c.Request.Context(), withdrawal.Request{
		UserID:  CurrentUserID(c),
		Amount:  req.Amount,
		Address: req.Address,
		Network: req.Network,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": w, "balance": balance})
}

func (s *Server) listWithdrawals(c *gin.Context) {
	list, err := s.Withdrawals.List(c.Request.Context(), CurrentUserID(c), parseListOpts(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []domain.Withdrawal{}
	}
	c.JSON(http.StatusOK, list)
}

// Admin

func (s *Server) adminListTrades(c *gin.Context) {
	filter := domain.PositionFilter{OwnerID: c.Query("owner_id")}
	if v := c.Query("status"); v != "" {
		status, err := domain.ParseStatus(v)
		if err != nil {
			s.fail(c, err)
			return
		}
		filter.Status = status
	}
	opts := parseListOpts(c)
	filter.Limit, filter.Offset = opts.Limit, opts.Offset

	positions, err := s.Store.ListPositions(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]tradeView, 0, len(positions))
	for _, p := range positions {
		out = append(out, s.adminView(s.refresh(c, p)))
	}
	c.JSON(http.StatusOK, out)
}

// adminResolveTrade records an operator outcome. A position that already
// left active answers 409 with its current state.
func (s *Server) adminResolveTrade(c *gin.Context) {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request payload")
		return
	}
	status, err := domain.ParseStatus(req.Status)
	if err != nil {
		s.fail(c, err)
		return
	}

	id := c.Param("id")
	res, err := s.Engine.Resolve(c.Request.Context(), id, status)
	if errors.Is(err, domain.ErrInvalidTransition) {
		body := gin.H{
			"code":  "INVALID_TRANSITION",
			"error": err.Error(),
		}
		if cur, gerr := s.Store.GetPosition(c.Request.Context(), id); gerr == nil {
			body["position"] = s.adminView(cur)
		}
		c.JSON(http.StatusConflict, body)
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}

	s.Logger.Info("position resolved by operator",
		zap.String("position_id", id),
		zap.String("status", string(status)),
		zap.String("operator_id", CurrentUserID(c)),
		zap.Bool("settled", res.Applied()))
	c.JSON(http.StatusOK, gin.H{
		"position": s.adminView(res.Position),
		"settled":  res.Applied(),
		"delta":    res.Delta,
	})
}

func (s *Server) adminListUsers(c *gin.Context) {
	users, err := s.Store.ListUsers(c.Request.Context(), parseListOpts(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	if users == nil {
		users = []domain.User{}
	}
	c.JSON(http.StatusOK, users)
}

// adminAdjustBalance adds to or subtracts from a balance; subtracting more
// than the balance leaves zero.
func (s *Server) adminAdjustBalance(c *gin.Context) {
	var req struct {
		Amount    decimal.Decimal `json:"amount"`
		Operation string          `json:"operation"`
		Note      string          `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request payload")
		return
	}
	if !req.Amount.IsPositive() {
		respondError(c, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be positive")
		return
	}

	amount := req.Amount
	switch strings.ToLower(req.Operation) {
	case "add", "":
	case "subtract":
		amount = amount.Neg()
	default:
		s.badRequest(c, "operation must be add or subtract")
		return
	}

	userID := c.Param("id")
	note := req.Note
	if note == "" {
		note = "operator " + CurrentUserID(c)
	}
	balance, err := s.Ledger.AdjustBalance(c.Request.Context(), userID, amount, note)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": balance})
}

func (s *Server) adminAdjustCredit(c *gin.Context) {
	var req struct {
		Delta int64  `json:"delta"`
		Note  string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request payload")
		return
	}
	userID := c.Param("id")
	score, err := s.Ledger.AdjustCredit(c.Request.Context(), userID, req.Delta, req.Note)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "credit_score": score})
}

// adminSetRole promotes or demotes an account. Operators cannot demote
// themselves.
func (s *Server) adminSetRole(c *gin.Context) {
	var req struct {
		Role string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request payload")
		return
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		s.fail(c, err)
		return
	}
	userID := c.Param("id")
	if userID == CurrentUserID(c) && role != domain.RoleAdmin {
		respondError(c, http.StatusConflict, "INVALID_TRANSITION", "cannot demote yourself")
		return
	}

	user, err := s.Store.SetUserRole(c.Request.Context(), userID, role, time.Now().UTC())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.Logger.Info("user role changed",
		zap.String("user_id", userID),
		zap.String("role", string(role)),
		zap.String("operator_id", CurrentUserID(c)))
	c.JSON(http.StatusOK, user)
}

func (s *Server) adminListWithdrawals(c *gin.Context) {
	list, err := s.Withdrawals.List(c.Request.Context(), c.Query("user_id"), parseListOpts(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []domain.Withdrawal{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) adminUpdateWithdrawal(c *gin.Context) {
	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request payload")
		return
	}
	next, err := withdrawal.ParseStatus(req.Status)
	if err != nil {
		s.fail(c, err)
		return
	}
	w, err := s.Withdrawals.UpdateStatus(c.Request.Context(), c.Param("id"), next)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// adminReconcile runs one sweep now and returns its report.
func (s *Server) adminReconcile(c *gin.Context) {
	report, err := s.Recon.Reconcile(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
