/**
 * @description
 * HTTP handlers for the disbursement-service. Handlers decode the request,
 * call the intake or status service, and map service errors onto status codes.
 *
 * @dependencies
 * - encoding/json, errors, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain: Services and request/response models.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/transfa/disbursement-service/internal/app"
	"github.com/transfa/disbursement-service/internal/domain"
)

const maxRequestBodyBytes = 10 << 20

// Disburser is implemented by *app.IntakeService.
type Disburser interface {
	Disburse(ctx context.Context, req domain.DisburseRequest) (*domain.DisburseAcknowledgement, error)
}

// StatusQuerier is implemented by *app.StatusService.
type StatusQuerier interface {
	Status(ctx context.Context, req domain.StatusRequest) (*domain.StatusResponse, error)
}

// DisbursementHandlers holds the services the handlers call into.
type DisbursementHandlers struct {
	intake Disburser
	status StatusQuerier
}

func NewDisbursementHandlers(intake Disburser, status StatusQuerier) *DisbursementHandlers {
	return &DisbursementHandlers{intake: intake, status: status}
}

// DisburseHandler accepts a batch and returns the acknowledgement. Processing
// happens after the response is written.
func (h *DisbursementHandlers) DisburseHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.DisburseRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	ack, err := h.intake.Disburse(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidDisburseRequest):
			respondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrIntakeUnavailable):
			respondWithError(w, http.StatusServiceUnavailable, "Disbursement intake is temporarily unavailable")
		default:
			log.Printf("level=error component=api endpoint=disburse msg=\"disburse failed\" err=%v", err)
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	if caller, ok := CallerSubject(r.Context()); ok {
		log.Printf("level=info component=api endpoint=disburse caller=%s batch_id=%s items=%d msg=\"batch accepted\"", caller, ack.BatchID, len(ack.Items))
	}
	respondWithJSON(w, http.StatusOK, ack)
}

// StatusHandler answers a status query by reference id list or batch id.
func (h *DisbursementHandlers) StatusHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.StatusRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	resp, err := h.status.Status(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidAttributeValue):
			respondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrAttributeTypeNotImplemented):
			respondWithError(w, http.StatusNotImplemented, err.Error())
		default:
			log.Printf("level=error component=api endpoint=status msg=\"status query failed\" err=%v", err)
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	respondWithJSON(w, http.StatusOK, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, `{"error":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
