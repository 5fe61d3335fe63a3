package share

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forlifetrading/filevault/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

// downloadClaims bind a short-lived token to one share. The password check
// happened when the token was issued.
type downloadClaims struct {
	ShareID string `json:"sid"`
	FileID  string `json:"fid"`
	jwt.RegisteredClaims
}

// IssueDownloadToken validates a link and returns a signed token that
// authorizes one download without repeating the password, together with
// the token's expiry.
func (r *Registry) IssueDownloadToken(ctx context.Context, shareID, password string) (string, time.Time, error) {
	if len(r.tokenSecret) == 0 {
		return "", time.Time{}, fmt.Errorf("download tokens are disabled: %w", apperr.ErrPermissionDenied)
	}
	a, err := r.ValidateAccess(ctx, shareID, password)
	if err != nil {
		return "", time.Time{}, err
	}
	if !a.Valid {
		return "", time.Time{}, fmt.Errorf("share %s: %w", shareID, a.Err())
	}
	g, err := r.Get(ctx, shareID)
	if err != nil {
		return "", time.Time{}, err
	}
	if !g.Has(PermDownload) {
		return "", time.Time{}, fmt.Errorf("share %s: %w", shareID, apperr.ErrPermissionDenied)
	}

	now := r.now()
	claims := downloadClaims{
		ShareID: shareID,
		FileID:  g.FileID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    "filevault",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(r.tokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.tokenSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign download token: %w", err)
	}
	return signed, claims.ExpiresAt.UTC(), nil
}

// VerifyDownloadToken returns the share id a token was issued for.
func (r *Registry) VerifyDownloadToken(token string) (string, error) {
	if len(r.tokenSecret) == 0 {
		return "", fmt.Errorf("download tokens are disabled: %w", apperr.ErrPermissionDenied)
	}
	var claims downloadClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return r.tokenSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer("filevault"),
		jwt.WithTimeFunc(r.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("download token: %w", apperr.ErrShareExpired)
		}
		return "", fmt.Errorf("download token: %v: %w", err, apperr.ErrPermissionDenied)
	}
	if claims.ShareID == "" {
		return "", fmt.Errorf("download token has no share: %w", apperr.ErrPermissionDenied)
	}
	return claims.ShareID, nil
}

// Download validates a link with its password and records a download.
func (r *Registry) Download(ctx context.Context, shareID, password, requester string) (Grant, error) {
	return r.Open(ctx, shareID, password, ActionDownload, requester)
}

// DownloadWithToken records a download authorized by a token from
// IssueDownloadToken. Revocation, expiry and the download limit are still
// enforced at download time.
func (r *Registry) DownloadWithToken(ctx context.Context, token, requester string) (Grant, error) {
	shareID, err := r.VerifyDownloadToken(token)
	if err != nil {
		return Grant{}, err
	}
	return r.open(ctx, shareID, ActionDownload, requester, func(Grant) bool { return true })
}

// QRCode renders the share URL of a link grant as a PNG.
func (r *Registry) QRCode(ctx context.Context, shareID string, size int) ([]byte, error) {
	g, err := r.Get(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if g.Kind != KindLink {
		return nil, fmt.Errorf("share %s is not a link: %w", shareID, apperr.ErrInvalidInput)
	}
	if size <= 0 {
		size = 256
	}
	if size > 1024 {
		return nil, fmt.Errorf("qr size %d too large: %w", size, apperr.ErrInvalidInput)
	}
	png, err := qrcode.Encode(r.ShareURL(shareID), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}
	return png, nil
}
