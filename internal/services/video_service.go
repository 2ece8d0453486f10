package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"time"

	"github.com/spf13/viper"
)

// VideoSession is the opaque result of provisioning a call channel.
type VideoSession struct {
	Channel string `json:"channel"`
	Token   string `json:"token"`
}

// VideoProvisioner is the external video collaborator. Booking treats any
// failure here as a booking failure: the surrounding transaction is rolled
// back and nothing is persisted.
type VideoProvisioner interface {
	// CreateSession provisions a call channel for a new appointment.
	CreateSession(ctx context.Context, participantID, channel string) (VideoSession, error)

	// IssueToken mints a join token for an existing channel.
	IssueToken(ctx context.Context, channel, participantID string, expiresAt time.Time) (string, error)
}

// AgoraProvisioner builds RTC join tokens from the configured app credentials.
type AgoraProvisioner struct {
	appID          string
	appCertificate string
}

// NewAgoraProvisioner reads the video credentials from config.
func NewAgoraProvisioner() *AgoraProvisioner {
	viper.SetDefault("video.app_id", "")
	viper.SetDefault("video.app_certificate", "")

	return &AgoraProvisioner{
		appID:          viper.GetString("video.app_id"),
		appCertificate: viper.GetString("video.app_certificate"),
	}
}

func (p *AgoraProvisioner) CreateSession(ctx context.Context, participantID, channel string) (VideoSession, error) {
	token, err := p.IssueToken(ctx, channel, participantID, time.Now().Add(time.Hour))
	if err != nil {
		return VideoSession{}, err
	}
	return VideoSession{Channel: channel, Token: token}, nil
}

func (p *AgoraProvisioner) IssueToken(_ context.Context, channel, participantID string, expiresAt time.Time) (string, error) {
	if p.appID == "" || p.appCertificate == "" {
		return "", errors.New("video credentials not configured")
	}

	// Token layout mirrors the RTC token scheme: app id, channel, uid and
	// expiry signed with the app certificate.
	payload := make([]byte, 0, 64)
	payload = append(payload, []byte(p.appID)...)
	payload = append(payload, []byte(channel)...)
	payload = append(payload, []byte(participantID)...)
	expiry := make([]byte, 8)
	binary.BigEndian.PutUint64(expiry, uint64(expiresAt.Unix()))
	payload = append(payload, expiry...)

	h := hmac.New(sha256.New, []byte(p.appCertificate))
	h.Write(payload)
	sig := h.Sum(nil)

	token := append(sig, expiry...)
	return p.appID + "." + base64.RawURLEncoding.EncodeToString(token), nil
}
