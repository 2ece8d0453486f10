package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"

	"github.com/televisit/backend/internal/models"
)

const sessionQRTTL = 5 * time.Minute

// SessionQRService lets a party of an appointment hand off the video call to
// another device. The QR encodes a single-use code; redeeming it mints a
// fresh join token through the normal join rules, so the code itself never
// carries a token.
type SessionQRService struct {
	redis        *redis.Client
	appointments *AppointmentService
}

func NewSessionQRService(redisClient *redis.Client, appointments *AppointmentService) *SessionQRService {
	return &SessionQRService{
		redis:        redisClient,
		appointments: appointments,
	}
}

type sessionQRPayload struct {
	AppointmentID string `json:"appointmentId"`
	UserID        string `json:"userId"`
	Timestamp     int64  `json:"timestamp"`
	Nonce         string `json:"nonce"`
}

// GenerateSessionQR returns a single-use code and its PNG rendering for a
// scheduled appointment the caller is a party of.
func (s *SessionQRService) GenerateSessionQR(ctx context.Context, callerID, appointmentID string) (string, string, error) {
	if s.redis == nil {
		return "", "", fmt.Errorf("session handoff requires redis")
	}

	appt, err := s.appointments.byID(ctx, appointmentID)
	if err != nil {
		return "", "", err
	}
	if callerID != appt.PatientID && callerID != appt.DoctorID {
		return "", "", ErrNotAuthorized
	}
	if appt.Status != models.AppointmentScheduled {
		return "", "", ErrAlreadyFinalized
	}

	payload := sessionQRPayload{
		AppointmentID: appt.ID,
		UserID:        callerID,
		Timestamp:     time.Now().Unix(),
		Nonce:         generateNonce(),
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	code := base64.URLEncoding.EncodeToString(jsonData)
	key := fmt.Sprintf("session_qr:%s", code)
	if err := s.redis.Set(ctx, key, jsonData, sessionQRTTL).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	return code, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// RedeemSessionQR consumes a scanned code and mints a join token for the
// user who generated it. Codes are deleted on first use.
func (s *SessionQRService) RedeemSessionQR(ctx context.Context, code string) (*VideoSession, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("session handoff requires redis")
	}

	key := fmt.Sprintf("session_qr:%s", code)
	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var payload sessionQRPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	s.redis.Del(ctx, key)

	return s.appointments.JoinToken(ctx, payload.UserID, payload.AppointmentID)
}

func generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
