package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/televisit/backend/internal/models"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

var sharedValidator = NewValidationHelper()

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	if validationErr != nil {
		errorResp.Details = make(map[string]string)
		for _, err := range validationErr.(validator.ValidationErrors) {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

// WriteServiceError maps the package's error taxonomy onto HTTP statuses so
// callers can render precise messages.
func WriteServiceError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, ErrSlotConflict), errors.Is(err, ErrPendingPayoutExists):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidRange),
		errors.Is(err, ErrInsufficientCredits),
		errors.Is(err, ErrAlreadyFinalized),
		errors.Is(err, ErrNotYetEndable),
		errors.Is(err, ErrDoctorUnverified),
		errors.Is(err, ErrUnknownPlan),
		errors.Is(err, ErrRoleAlreadySet),
		errors.Is(err, ErrUnknownRole),
		errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrSessionNotReady):
		status = http.StatusBadRequest
	default:
		var videoErr *ErrVideoSession
		if errors.As(err, &videoErr) {
			SendErrorResponse(w, videoErr.Error(), http.StatusBadGateway, nil)
			return
		}
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
		return
	}
	SendErrorResponse(w, err.Error(), status, nil)
}

// CurrentUser resolves the external subject id placed on the context by the
// auth middleware to the internal user row. Writes the error response itself
// and returns false when the request is unauthenticated or the id is unknown.
func CurrentUser(w http.ResponseWriter, r *http.Request, db *sql.DB) (*models.User, bool) {
	externalID, ok := r.Context().Value("userID").(string)
	if !ok || externalID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return nil, false
	}

	user, err := resolveExternalID(r.Context(), db, externalID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to resolve user", http.StatusInternalServerError, nil)
		}
		return nil, false
	}
	return user, true
}

func parseQueryInt(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}
