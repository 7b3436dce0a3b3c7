package manager

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fleetwire/fleetwire/types"
)

var (
	ErrInvalidCode      = errors.New("enrollment code is invalid or unknown")
	ErrExpiredCode      = errors.New("enrollment code is expired")
	ErrHardwareMismatch = errors.New("hardware id does not match enrolled device")
)

// Code alphabet avoids visually ambiguous characters (0/O, 1/I/L) since
// codes are typed by humans.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeLength = 8

// generateCodeValue returns a fixed width high entropy code rendered as
// XXXX-XXXX.
func generateCodeValue() (string, error) {
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	out := make([]byte, 0, codeLength+1)
	for i, c := range b {
		if i == codeLength/2 {
			out = append(out, '-')
		}
		out = append(out, codeAlphabet[int(c)%len(codeAlphabet)])
	}
	return string(out), nil
}

// GenerateCode issues a fresh enrollment code for the client. Any prior
// active code is revoked first so at most one code is ever redeemable.
func (m *Manager) GenerateCode(clientID string) (types.EnrollmentCodeResponse, error) {
	client, err := m.store.GetClientByID(clientID)
	if err != nil {
		return types.EnrollmentCodeResponse{}, err
	}
	if client.IsDisabled() {
		return types.EnrollmentCodeResponse{}, ErrClientDisabled
	}

	now := time.Now().UTC()
	if err := m.store.RevokeActiveCodes(clientID, now); err != nil {
		return types.EnrollmentCodeResponse{}, err
	}

	value, err := generateCodeValue()
	if err != nil {
		return types.EnrollmentCodeResponse{}, err
	}

	code := &EnrollmentCode{
		Code:      value,
		ClientID:  clientID,
		ExpiresAt: now.Add(m.opts.CodeTTL),
	}
	if err := m.store.CreateCode(code); err != nil {
		return types.EnrollmentCodeResponse{}, err
	}

	m.hub.Publish(types.NewAuditEvent(types.AuditEvent{
		Action:   "enrollment_code_generated",
		ClientID: clientID,
	}))

	return types.EnrollmentCodeResponse{
		Code:      code.Code,
		DeepLink:  m.deepLink(code.Code),
		ExpiresAt: code.ExpiresAt,
	}, nil
}

// EnrollmentMessage renders the payload handed to the external mailer for
// the client's currently active code.
func (m *Manager) EnrollmentMessage(clientID string) (types.EnrollmentMessage, error) {
	client, err := m.store.GetClientByID(clientID)
	if err != nil {
		return types.EnrollmentMessage{}, err
	}

	code, err := m.store.GetActiveCode(clientID, time.Now().UTC())
	if err != nil {
		return types.EnrollmentMessage{}, err
	}

	link := m.deepLink(code.Code)
	body := fmt.Sprintf(
		"Your VPN enrollment code for %q is %s. Open %s or enter the code manually. The code expires at %s and can be used once.",
		client.Name, code.Code, link, code.ExpiresAt.Format(time.RFC1123),
	)
	return types.EnrollmentMessage{
		Code:      code.Code,
		DeepLink:  link,
		ExpiresAt: code.ExpiresAt,
		Body:      body,
	}, nil
}

// redeemRejection classifies a non-redeemable code. Expiry is checked at
// read time; a stale-but-unswept code is still rejected here. Redeemed or
// revoked codes report as plain invalid so callers cannot probe code state.
func redeemRejection(code *EnrollmentCode, now time.Time) error {
	if code != nil && code.RedeemedAt == nil && code.RevokedAt == nil && code.IsExpired(now) {
		return ErrExpiredCode
	}
	return ErrInvalidCode
}

// Redeem exchanges an enrollment code for a device credential and rendered
// configuration. The rate limit gate runs before any state is touched, and
// client-status and hardware-binding rejections happen before the code is
// consumed: a mismatch attempt leaves the code redeemable by the bound
// device. The store's conditional write then decides the single redemption
// winner; the pre-checks cannot go stale across it because at most one code
// is active per client.
func (m *Manager) Redeem(ctx context.Context, req types.RedeemRequest, sourceAddr string) (types.RedeemResponse, error) {
	if req.Code == "" || req.HardwareID == "" {
		return types.RedeemResponse{}, ErrInvalidCode
	}

	if err := m.limiter.Allow(ctx, "redeem:"+sourceAddr); err != nil {
		// The rejected attempt is still observable for audit purposes.
		m.hub.Publish(types.NewAuditEvent(types.AuditEvent{
			Action:   "enrollment_rate_limited",
			SourceIP: sourceAddr,
		}))
		return types.RedeemResponse{}, err
	}

	now := time.Now().UTC()
	code, err := m.store.GetCode(req.Code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return types.RedeemResponse{}, ErrInvalidCode
		}
		return types.RedeemResponse{}, err
	}
	if !code.IsActive(now) {
		return types.RedeemResponse{}, redeemRejection(code, now)
	}

	client, err := m.store.GetClientByID(code.ClientID)
	if err != nil {
		return types.RedeemResponse{}, err
	}
	if client.IsDisabled() {
		return types.RedeemResponse{}, ErrClientDisabled
	}

	// Hardware binding: set on first successful enrollment, immutable after.
	if client.HardwareID != "" && client.HardwareID != req.HardwareID {
		m.publishError(client.ID, "enrollment rejected: hardware id mismatch")
		return types.RedeemResponse{}, ErrHardwareMismatch
	}

	code, err = m.store.RedeemCode(req.Code, now)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return types.RedeemResponse{}, ErrInvalidCode
		case errors.Is(err, ErrCodeNotRedeemable):
			// Lost the race to a concurrent redeemer, or expired since the
			// read above.
			return types.RedeemResponse{}, redeemRejection(code, now)
		default:
			return types.RedeemResponse{}, err
		}
	}

	client.HardwareID = req.HardwareID
	client.Platform = req.Platform
	if req.DeviceName != "" && client.Description == "" {
		client.Description = req.DeviceName
	}

	// Issuing a fresh credential replaces the stored hash, which silently
	// invalidates every previously issued token for this client.
	token, hash, err := m.creds.Issue(client.ID, req.HardwareID, now)
	if err != nil {
		return types.RedeemResponse{}, err
	}
	client.DeviceTokenHash = hash
	client.Status = ClientActive

	if err := m.store.UpdateClient(client); err != nil {
		return types.RedeemResponse{}, err
	}

	config, err := m.RenderConfig(client)
	if err != nil {
		return types.RedeemResponse{}, err
	}

	m.hub.Publish(types.NewAuditEvent(types.AuditEvent{
		Action:   "client_enrolled",
		ClientID: client.ID,
		SourceIP: sourceAddr,
		Detail:   req.Platform,
	}))
	log.WithFields(log.Fields{"client": client.ID, "platform": req.Platform}).Info("client enrolled")

	return types.RedeemResponse{
		DeviceCredential: token,
		ClientID:         client.ID,
		Config:           config,
	}, nil
}

// AuthenticateDevice verifies a device credential and returns the client it
// belongs to. Only a token whose hash matches the stored hash is accepted,
// which is how re-enrollment revokes older tokens.
func (m *Manager) AuthenticateDevice(token string) (*Client, error) {
	claims, hash, err := m.creds.Verify(token)
	if err != nil {
		return nil, err
	}
	client, err := m.store.GetClientByID(claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}
	if client.IsDisabled() {
		return nil, ErrClientDisabled
	}
	if client.DeviceTokenHash == "" || !HashEqual(client.DeviceTokenHash, hash) {
		return nil, ErrInvalidCredential
	}
	return client, nil
}
