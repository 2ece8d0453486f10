package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/televisit/backend/internal/audit"
	"github.com/televisit/backend/internal/config"
	"github.com/televisit/backend/internal/models"
)

// UserService manages account provisioning, role onboarding, doctor
// verification and the public doctor directory. New patient accounts receive
// their initial free-plan credits in the same transaction that creates the
// row, so a user and their opening ledger entry are never observable apart.
type UserService struct {
	db     *sql.DB
	ledger *LedgerService
	cfg    *config.CreditConfig
	audit  *audit.Logger
	now    func() time.Time
}

func NewUserService(db *sql.DB, ledger *LedgerService, cfg *config.CreditConfig) *UserService {
	return &UserService{
		db:     db,
		ledger: ledger,
		cfg:    cfg,
		audit:  audit.NewLogger(),
		now:    time.Now,
	}
}

// resolveExternalID maps the identity-provider subject claim to the local
// account row. Used by currentUser on every authenticated request.
func resolveExternalID(ctx context.Context, db *sql.DB, externalID string) (*models.User, error) {
	var u models.User
	err := db.QueryRowContext(ctx, `
		SELECT id, external_id, email, name, image_url, role, credits, version,
		       specialty, experience, credential_url, description,
		       verification_status, created_at, updated_at
		FROM users
		WHERE external_id = $1`, externalID).
		Scan(&u.ID, &u.ExternalID, &u.Email, &u.Name, &u.ImageURL, &u.Role,
			&u.Credits, &u.Version, &u.Specialty, &u.Experience,
			&u.CredentialURL, &u.Description, &u.VerificationStatus,
			&u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// EnsureUser returns the account for externalID, creating it on first sight.
// A freshly created account starts unassigned with the free-plan grant
// applied atomically with the insert.
func (s *UserService) EnsureUser(ctx context.Context, externalID, email, name, imageURL string) (*models.User, error) {
	existing, err := resolveExternalID(ctx, s.db, externalID)
	if err == nil {
		return existing, nil
	}
	if err != ErrAccountNotFound {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	freeCredits := s.cfg.PlanCredits["free_user"]
	user := &models.User{
		ID:                 uuid.NewString(),
		ExternalID:         externalID,
		Email:              email,
		Name:               name,
		ImageURL:           imageURL,
		Role:               models.RoleUnassigned,
		Credits:            0,
		Version:            1,
		VerificationStatus: models.VerificationPending,
		CreatedAt:          s.now(),
		UpdatedAt:          s.now(),
	}
	_, err = tx.Exec(`
		INSERT INTO users (id, external_id, email, name, image_url, role, credits,
		                   version, verification_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		user.ID, user.ExternalID, user.Email, user.Name, user.ImageURL,
		user.Role, user.Credits, user.Version, user.VerificationStatus,
		user.CreatedAt, user.UpdatedAt)
	if err != nil {
		// Concurrent first-login race: someone else inserted the row.
		tx.Rollback()
		if again, rerr := resolveExternalID(ctx, s.db, externalID); rerr == nil {
			return again, nil
		}
		return nil, err
	}

	if freeCredits > 0 {
		err = s.ledger.ApplyEntriesTx(tx, []models.LedgerEntry{{
			AccountID: user.ID,
			Amount:    freeCredits,
			Kind:      models.EntryGrant,
			PackageID: "free_user",
		}})
		if err != nil {
			return nil, err
		}
		user.Credits = freeCredits
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[USER] Provisioned account %s for external id %s", user.ID, externalID)
	return user, nil
}

// SetRole assigns the onboarding role. Choosing doctor records the submitted
// credentials and leaves the account pending admin verification.
func (s *UserService) SetRole(ctx context.Context, userID, role, specialty string, experience int, credentialURL, description string) (*models.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	user, err := s.ledger.LockAccountTx(tx, userID)
	if err != nil {
		return nil, err
	}
	if user.Role != models.RoleUnassigned {
		return nil, ErrRoleAlreadySet
	}

	switch role {
	case models.RolePatient:
		_, err = tx.Exec(`
			UPDATE users SET role = $2, updated_at = $3 WHERE id = $1`,
			userID, models.RolePatient, s.now())
	case models.RoleDoctor:
		_, err = tx.Exec(`
			UPDATE users
			SET role = $2, specialty = $3, experience = $4, credential_url = $5,
			    description = $6, verification_status = $7, updated_at = $8
			WHERE id = $1`,
			userID, models.RoleDoctor, specialty, experience, credentialURL,
			description, models.VerificationPending, s.now())
	default:
		return nil, ErrUnknownRole
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.byID(ctx, userID)
}

// UpdateDoctorStatus moves a doctor to verified or rejected. Admin only.
func (s *UserService) UpdateDoctorStatus(ctx context.Context, adminID, doctorID, status string) error {
	if status != models.VerificationVerified && status != models.VerificationRejected {
		return ErrInvalidStatus
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	admin, err := s.ledger.LockAccountTx(tx, adminID)
	if err != nil {
		return err
	}
	if admin.Role != models.RoleAdmin {
		return ErrNotAuthorized
	}

	res, err := tx.Exec(`
		UPDATE users SET verification_status = $2, updated_at = $3
		WHERE id = $1 AND role = $4`,
		doctorID, status, s.now(), models.RoleDoctor)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.audit.LogAdminAction(adminID, doctorID, "DOCTOR_VERIFICATION", "status set to "+status)
	return nil
}

// SuspendDoctor demotes a verified doctor back to pending, making them
// invisible in the directory and unbookable.
func (s *UserService) SuspendDoctor(ctx context.Context, adminID, doctorID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	admin, err := s.ledger.LockAccountTx(tx, adminID)
	if err != nil {
		return err
	}
	if admin.Role != models.RoleAdmin {
		return ErrNotAuthorized
	}

	res, err := tx.Exec(`
		UPDATE users SET verification_status = $2, updated_at = $3
		WHERE id = $1 AND role = $4 AND verification_status = $5`,
		doctorID, models.VerificationPending, s.now(),
		models.RoleDoctor, models.VerificationVerified)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.audit.LogAdminAction(adminID, doctorID, "DOCTOR_SUSPENSION", "verified doctor suspended")
	return nil
}

// DoctorsByStatus lists doctors in the given verification status, newest
// first. Admin dashboards use pending and verified.
func (s *UserService) DoctorsByStatus(ctx context.Context, status string) ([]models.User, error) {
	return s.queryUsers(ctx, `
		SELECT id, external_id, email, name, image_url, role, credits, version,
		       specialty, experience, credential_url, description,
		       verification_status, created_at, updated_at
		FROM users
		WHERE role = $1 AND verification_status = $2
		ORDER BY created_at DESC`, models.RoleDoctor, status)
}

// VerifiedDoctorsBySpecialty powers the public directory listing.
func (s *UserService) VerifiedDoctorsBySpecialty(ctx context.Context, specialty string) ([]models.User, error) {
	return s.queryUsers(ctx, `
		SELECT id, external_id, email, name, image_url, role, credits, version,
		       specialty, experience, credential_url, description,
		       verification_status, created_at, updated_at
		FROM users
		WHERE role = $1 AND verification_status = $2 AND specialty = $3
		ORDER BY name ASC`, models.RoleDoctor, models.VerificationVerified, specialty)
}

// VerifiedDoctor fetches one directory entry. ErrNotFound covers both
// missing and not-yet-verified doctors.
func (s *UserService) VerifiedDoctor(ctx context.Context, doctorID string) (*models.User, error) {
	users, err := s.queryUsers(ctx, `
		SELECT id, external_id, email, name, image_url, role, credits, version,
		       specialty, experience, credential_url, description,
		       verification_status, created_at, updated_at
		FROM users
		WHERE id = $1 AND role = $2 AND verification_status = $3`,
		doctorID, models.RoleDoctor, models.VerificationVerified)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}
	return &users[0], nil
}

func (s *UserService) byID(ctx context.Context, userID string) (*models.User, error) {
	users, err := s.queryUsers(ctx, `
		SELECT id, external_id, email, name, image_url, role, credits, version,
		       specialty, experience, credential_url, description,
		       verification_status, created_at, updated_at
		FROM users
		WHERE id = $1`, userID)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrAccountNotFound
	}
	return &users[0], nil
}

func (s *UserService) queryUsers(ctx context.Context, query string, args ...any) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		err := rows.Scan(&u.ID, &u.ExternalID, &u.Email, &u.Name, &u.ImageURL,
			&u.Role, &u.Credits, &u.Version, &u.Specialty, &u.Experience,
			&u.CredentialURL, &u.Description, &u.VerificationStatus,
			&u.CreatedAt, &u.UpdatedAt)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// HTTP handlers

type syncUserRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required"`
	ImageURL string `json:"imageUrl"`
}

// SyncUser provisions or returns the authenticated account
// @Summary Sync user
// @Description Create the local account for the authenticated identity on first sight, or return the existing one
// @Tags users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.syncUserRequest true "Profile from the identity provider"
// @Success 200 {object} models.User
// @Failure 400 {object} services.ErrorResponse
// @Router /users/sync [post]
func (s *UserService) SyncUser(w http.ResponseWriter, r *http.Request) {
	externalID, _ := r.Context().Value("userID").(string)
	if externalID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req syncUserRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	user, err := s.EnsureUser(r.Context(), externalID, req.Email, req.Name, req.ImageURL)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

// GetCurrentUser returns the authenticated account
// @Summary Current user
// @Tags users
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.User
// @Failure 404 {object} services.ErrorResponse
// @Router /users/me [get]
func (s *UserService) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

type setRoleRequest struct {
	Role          string `json:"role" validate:"required,oneof=patient doctor"`
	Specialty     string `json:"specialty"`
	Experience    int    `json:"experience" validate:"gte=0"`
	CredentialURL string `json:"credentialUrl" validate:"omitempty,url"`
	Description   string `json:"description"`
}

// SetUserRole performs role onboarding
// @Summary Set role
// @Description Assign patient or doctor to an unassigned account; doctor submissions enter pending verification
// @Tags users
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.setRoleRequest true "Role selection"
// @Success 200 {object} models.User
// @Failure 400 {object} services.ErrorResponse
// @Router /users/role [post]
func (s *UserService) SetUserRole(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}

	var req setRoleRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Role == models.RoleDoctor && (req.Specialty == "" || req.CredentialURL == "") {
		SendErrorResponse(w, "Specialty and credential URL are required for doctors", http.StatusBadRequest, nil)
		return
	}

	updated, err := s.SetRole(r.Context(), user.ID, req.Role, req.Specialty,
		req.Experience, req.CredentialURL, req.Description)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(updated)
}

// ListDoctorsBySpecialty lists verified doctors in a specialty
// @Summary Doctors by specialty
// @Tags doctors
// @Produce json
// @Security BearerAuth
// @Param specialty path string true "Specialty"
// @Success 200 {object} object{doctors=[]models.User}
// @Router /doctors/specialty/{specialty} [get]
func (s *UserService) ListDoctorsBySpecialty(w http.ResponseWriter, r *http.Request) {
	doctors, err := s.VerifiedDoctorsBySpecialty(r.Context(), chi.URLParam(r, "specialty"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"doctors": doctors})
}

// GetDoctor returns one verified doctor's directory entry
// @Summary Doctor details
// @Tags doctors
// @Produce json
// @Security BearerAuth
// @Param doctorId path string true "Doctor ID"
// @Success 200 {object} models.User
// @Failure 404 {object} services.ErrorResponse
// @Router /doctors/{doctorId} [get]
func (s *UserService) GetDoctor(w http.ResponseWriter, r *http.Request) {
	doctor, err := s.VerifiedDoctor(r.Context(), chi.URLParam(r, "doctorId"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doctor)
}

// ListPendingDoctors lists doctors awaiting verification (admin)
// @Summary Pending doctors
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{doctors=[]models.User}
// @Failure 403 {object} services.ErrorResponse
// @Router /admin/doctors/pending [get]
func (s *UserService) ListPendingDoctors(w http.ResponseWriter, r *http.Request) {
	s.listDoctorsForAdmin(w, r, models.VerificationPending)
}

// ListVerifiedDoctors lists verified doctors (admin)
// @Summary Verified doctors
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{doctors=[]models.User}
// @Failure 403 {object} services.ErrorResponse
// @Router /admin/doctors/verified [get]
func (s *UserService) ListVerifiedDoctors(w http.ResponseWriter, r *http.Request) {
	s.listDoctorsForAdmin(w, r, models.VerificationVerified)
}

func (s *UserService) listDoctorsForAdmin(w http.ResponseWriter, r *http.Request, status string) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}
	if user.Role != models.RoleAdmin {
		WriteServiceError(w, ErrNotAuthorized)
		return
	}

	doctors, err := s.DoctorsByStatus(r.Context(), status)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"doctors": doctors})
}

type doctorStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=verified rejected"`
}

// SetDoctorStatus verifies or rejects a doctor (admin)
// @Summary Update doctor verification
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param doctorId path string true "Doctor ID"
// @Param request body services.doctorStatusRequest true "New status"
// @Success 200 {object} object{success=bool}
// @Failure 403 {object} services.ErrorResponse
// @Router /admin/doctors/{doctorId}/status [put]
func (s *UserService) SetDoctorStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}

	var req doctorStatusRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	err := s.UpdateDoctorStatus(r.Context(), user.ID, chi.URLParam(r, "doctorId"), req.Status)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// SuspendDoctorHandler suspends a verified doctor (admin)
// @Summary Suspend doctor
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param doctorId path string true "Doctor ID"
// @Success 200 {object} object{success=bool}
// @Failure 403 {object} services.ErrorResponse
// @Router /admin/doctors/{doctorId}/suspend [put]
func (s *UserService) SuspendDoctorHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(w, r, s.db)
	if !ok {
		return
	}

	err := s.SuspendDoctor(r.Context(), user.ID, chi.URLParam(r, "doctorId"))
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}
