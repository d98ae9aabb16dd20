// Package ledgerhttp exposes the ledger over a JSON HTTP API. Mutating routes
// run behind the idempotency coordinator.
package ledgerhttp

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"exportcore/internal/core"
	"exportcore/internal/idempotency"
	"exportcore/pkg/domain"
)

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options wires the collaborators of the API.
type Options struct {
	Service     *core.Service
	Idempotency *idempotency.Coordinator
	Health      Pinger
	Gatherer    prometheus.Gatherer
	Logger      logrus.FieldLogger
}

// Handler serves the ledger routes.
type Handler struct {
	svc      *core.Service
	validate *validator.Validate
	logger   logrus.FieldLogger
}

// NewRouter builds the full HTTP surface.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &Handler{svc: opts.Service, validate: newValidator(), logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthz(opts.Health)).Methods(http.MethodGet)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	if opts.Idempotency != nil {
		api.Use(opts.Idempotency.Middleware)
	}
	api.HandleFunc("/lots", h.createLot).Methods(http.MethodPost)
	api.HandleFunc("/lots/{id}", h.getLot).Methods(http.MethodGet)
	api.HandleFunc("/lots/{id}/adjustments", h.adjustStock).Methods(http.MethodPost)
	api.HandleFunc("/lots/{id}/adjustments", h.listAdjustments).Methods(http.MethodGet)
	api.HandleFunc("/contracts", h.createContract).Methods(http.MethodPost)
	api.HandleFunc("/contracts/{id}", h.getContract).Methods(http.MethodGet)
	api.HandleFunc("/contracts/{id}/close", h.closeContract).Methods(http.MethodPost)
	api.HandleFunc("/contracts/{id}/allocations", h.allocate).Methods(http.MethodPost)
	api.HandleFunc("/contracts/{id}/allocations", h.listAllocations).Methods(http.MethodGet)
	api.HandleFunc("/shipments", h.createShipment).Methods(http.MethodPost)
	api.HandleFunc("/shipments/{id}", h.getShipment).Methods(http.MethodGet)
	api.HandleFunc("/shipments/{id}/traceability", h.getTraceability).Methods(http.MethodGet)
	api.HandleFunc("/shipments/{id}/status", h.advanceShipment).Methods(http.MethodPatch)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found", "route_not_found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
	})
	return logMiddleware(logger, r)
}

func healthz(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				writeError(w, http.StatusServiceUnavailable, err.Error(), "store_unreachable")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (h *Handler) createLot(w http.ResponseWriter, r *http.Request) {
	var req createLotRequest
	if err := decode(r.Body, h.validate, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	lot, res, err := h.svc.CreateLot(r.Context(), req.intake())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, lot, res)
}

func (h *Handler) getLot(w http.ResponseWriter, r *http.Request) {
	lot, err := h.svc.GetLot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, lot, domain.Result{})
}

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	var req adjustStockRequest
	if err := decode(r.Body, h.validate, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	out, res, err := h.svc.AdjustStock(r.Context(), core.StockCorrection{
		LotID:      mux.Vars(r)["id"],
		DeltaKg:    req.DeltaKg,
		Reason:     req.Reason,
		ApprovedBy: req.ApprovedBy,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, out, res)
}

func (h *Handler) listAdjustments(w http.ResponseWriter, r *http.Request) {
	adjustments, err := h.svc.ListStockAdjustments(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if adjustments == nil {
		adjustments = []domain.StockAdjustment{}
	}
	writeData(w, http.StatusOK, adjustments, domain.Result{})
}

func (h *Handler) createContract(w http.ResponseWriter, r *http.Request) {
	var req createContractRequest
	if err := decode(r.Body, h.validate, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	contract, res, err := h.svc.CreateContract(r.Context(), core.NewContract{
		ContractNumber: req.ContractNumber,
		BuyerID:        req.BuyerID,
		QuantityKg:     req.QuantityKg,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, contract, res)
}

func (h *Handler) getContract(w http.ResponseWriter, r *http.Request) {
	contract, err := h.svc.GetContract(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, contract, domain.Result{})
}

func (h *Handler) closeContract(w http.ResponseWriter, r *http.Request) {
	contract, res, err := h.svc.CloseContract(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, contract, res)
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := decode(r.Body, h.validate, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	allocation, res, err := h.svc.Allocate(r.Context(), mux.Vars(r)["id"], req.LotID, req.WeightKg)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, allocation, res)
}

func (h *Handler) listAllocations(w http.ResponseWriter, r *http.Request) {
	allocations, err := h.svc.ListAllocations(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if allocations == nil {
		allocations = []domain.Allocation{}
	}
	writeData(w, http.StatusOK, allocations, domain.Result{})
}

func (h *Handler) createShipment(w http.ResponseWriter, r *http.Request) {
	var req createShipmentRequest
	if err := decode(r.Body, h.validate, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	shipment, res, err := h.svc.CreateShipment(r.Context(), req.ContractID, req.ShipmentNumber, req.AllocationIDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, shipment, res)
}

func (h *Handler) getShipment(w http.ResponseWriter, r *http.Request) {
	shipment, err := h.svc.GetShipment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, shipment, domain.Result{})
}

func (h *Handler) getTraceability(w http.ResponseWriter, r *http.Request) {
	trace, err := h.svc.GetShipmentTraceability(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, trace, domain.Result{})
}

func (h *Handler) advanceShipment(w http.ResponseWriter, r *http.Request) {
	var req advanceShipmentRequest
	if err := decode(r.Body, h.validate, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	shipment, res, err := h.svc.AdvanceShipmentStatus(r.Context(), mux.Vars(r)["id"], domain.ShipmentStage(req.Status), req.ActualDepartureDate)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, shipment, res)
}
