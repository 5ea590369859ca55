// Copyright (C) 2025, AdGrid Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package query

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/adgrid/adgrid/pkg/core"
	"github.com/adgrid/adgrid/pkg/log"
	"github.com/adgrid/adgrid/pkg/settlement"
	"github.com/adgrid/adgrid/pkg/store"
)

const defaultPageSize = 50

// Handler serves the query surface consumed by the UI/API layer: lifetime
// earnings, current-hour estimates and unclaimed payout listings.
type Handler struct {
	store     store.Store
	generator *settlement.Generator
	log       log.Logger
}

// NewHandler creates the query handler.
func NewHandler(st store.Store, gen *settlement.Generator, logger log.Logger) *Handler {
	return &Handler{
		store:     st,
		generator: gen,
		log:       logger,
	}
}

// RegisterRoutes attaches the query endpoints to a router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/hosts/{address}/earnings", h.HostEarnings).Methods("GET")
	r.HandleFunc("/hosts/{address}/earnings/current", h.CurrentHourEstimate).Methods("GET")
	r.HandleFunc("/hosts/{address}/payouts/unclaimed", h.UnclaimedPayouts).Methods("GET")
}

// EarningsResponse reports a host's lifetime settled and pending totals.
type EarningsResponse struct {
	HostAddress string `json:"host_address"`
	Settled     string `json:"settled"`
	Pending     string `json:"pending"`
	Payouts     int    `json:"payouts"`
}

// HostEarnings sums a host's payout history: claimed amounts are settled,
// unclaimed amounts are pending.
func (h *Handler) HostEarnings(w http.ResponseWriter, r *http.Request) {
	address := strings.ToLower(mux.Vars(r)["address"])

	payouts, err := h.store.PayoutsByHost(r.Context(), address)
	if err != nil {
		h.serverError(w, "load host payouts", err)
		return
	}

	settled, pending := decimal.Zero, decimal.Zero
	for _, p := range payouts {
		if p.Claimed {
			settled = settled.Add(p.Amount)
		} else {
			pending = pending.Add(p.Amount)
		}
	}

	h.writeJSON(w, EarningsResponse{
		HostAddress: address,
		Settled:     settled.StringFixed(core.PayoutPrecision),
		Pending:     pending.StringFixed(core.PayoutPrecision),
		Payouts:     len(payouts),
	})
}

// EstimateResponse reports a host's unsettled, approximate earnings for the
// in-progress hour.
type EstimateResponse struct {
	HostAddress string    `json:"host_address"`
	EpochNumber int64     `json:"epoch_number"`
	Estimated   string    `json:"estimated"`
	AsOf        time.Time `json:"as_of"`
}

// CurrentHourEstimate previews the allocation for the current epoch across
// all active campaigns. Nothing is consumed; the final settled amounts may
// differ once the window closes.
func (h *Handler) CurrentHourEstimate(w http.ResponseWriter, r *http.Request) {
	address := strings.ToLower(mux.Vars(r)["address"])
	epochNumber := core.EpochNumberAt(time.Now())

	campaigns, err := h.store.ActiveCampaigns(r.Context())
	if err != nil {
		h.serverError(w, "list active campaigns", err)
		return
	}

	estimated := decimal.Zero
	for _, c := range campaigns {
		alloc, err := h.generator.Preview(r.Context(), c, epochNumber)
		if err != nil {
			h.serverError(w, "preview allocation", err)
			return
		}
		for _, s := range alloc.Shares {
			if s.HostAddress == address {
				estimated = estimated.Add(s.Amount)
			}
		}
	}

	h.writeJSON(w, EstimateResponse{
		HostAddress: address,
		EpochNumber: epochNumber,
		Estimated:   estimated.StringFixed(core.PayoutPrecision),
		AsOf:        time.Now().UTC(),
	})
}

// UnclaimedResponse is a paginated unclaimed payout listing.
type UnclaimedResponse struct {
	HostAddress string              `json:"host_address"`
	Total       int                 `json:"total"`
	Offset      int                 `json:"offset"`
	Limit       int                 `json:"limit"`
	Payouts     []*core.EpochPayout `json:"payouts"`
}

// UnclaimedPayouts lists a host's unclaimed payouts with offset/limit
// pagination.
func (h *Handler) UnclaimedPayouts(w http.ResponseWriter, r *http.Request) {
	address := strings.ToLower(mux.Vars(r)["address"])
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", defaultPageSize)

	payouts, total, err := h.store.UnclaimedPayouts(r.Context(), address, offset, limit)
	if err != nil {
		h.serverError(w, "list unclaimed payouts", err)
		return
	}
	if payouts == nil {
		payouts = []*core.EpochPayout{}
	}

	h.writeJSON(w, UnclaimedResponse{
		HostAddress: address,
		Total:       total,
		Offset:      offset,
		Limit:       limit,
		Payouts:     payouts,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("encode response", zap.Error(err))
	}
}

func (h *Handler) serverError(w http.ResponseWriter, msg string, err error) {
	h.log.Error(msg, zap.Error(err))
	http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
