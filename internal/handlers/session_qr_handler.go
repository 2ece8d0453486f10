package handlers

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/televisit/backend/internal/services"
)

type SessionQRHandler struct {
	db        *sql.DB
	service   *services.SessionQRService
	validator *services.ValidationHelper
}

func NewSessionQRHandler(db *sql.DB, service *services.SessionQRService) *SessionQRHandler {
	return &SessionQRHandler{
		db:        db,
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// GenerateSessionQR generates a device-handoff QR for an appointment
// @Summary Generate session QR
// @Description Generate a single-use QR code that lets the caller join the appointment's video session from another device
// @Tags sessions
// @Produce json
// @Security BearerAuth
// @Param appointmentId path string true "Appointment ID"
// @Success 200 {object} object{code=string,qrImage=string}
// @Failure 403 {object} services.ErrorResponse
// @Router /appointments/{appointmentId}/session-qr [post]
func (h *SessionQRHandler) GenerateSessionQR(w http.ResponseWriter, r *http.Request) {
	user, ok := services.CurrentUser(w, r, h.db)
	if !ok {
		return
	}

	code, qrImage, err := h.service.GenerateSessionQR(r.Context(), user.ID, chi.URLParam(r, "appointmentId"))
	if err != nil {
		services.WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"code":    code,
		"qrImage": qrImage,
	})
}

// RedeemSessionQR redeems a scanned session QR code
// @Summary Redeem session QR
// @Description Exchange a scanned single-use code for a video join token
// @Tags sessions
// @Accept json
// @Produce json
// @Param request body object{code=string} true "Scanned code"
// @Success 200 {object} services.VideoSession
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /sessions/redeem [post]
func (h *SessionQRHandler) RedeemSessionQR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code" validate:"required"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	session, err := h.service.RedeemSessionQR(r.Context(), req.Code)
	if err != nil {
		services.WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    session,
	})
}
