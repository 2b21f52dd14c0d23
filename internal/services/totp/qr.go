// Copyright 2025 Alex Vollmer
// Licensed under the EUPL-1.2

package totp

import (
	"encoding/base32"
	"fmt"
	"net/url"

	qrcode "github.com/skip2/go-qrcode"
)

// defaultQRSize is the edge length in pixels used when no size is given.
const defaultQRSize = 256

// ProvisioningURI builds an otpauth:// URI for enrolling the seed in an
// authenticator app, following the Key Uri Format used by Google
// Authenticator and friends.
func ProvisioningURI(issuer, account string, seed []byte) string {
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(seed)

	query := url.Values{}
	query.Set("secret", secret)
	query.Set("issuer", issuer)
	query.Set("algorithm", "SHA1")
	query.Set("digits", fmt.Sprintf("%d", Digits))
	query.Set("period", fmt.Sprintf("%d", Period))

	return fmt.Sprintf("otpauth://totp/%s:%s?%s",
		url.PathEscape(issuer), url.PathEscape(account), query.Encode())
}

// QRCodePNG renders the provisioning URI for the seed as a PNG image.
func QRCodePNG(issuer, account string, seed []byte, size int) ([]byte, error) {
	if size <= 0 {
		size = defaultQRSize
	}
	png, err := qrcode.Encode(ProvisioningURI(issuer, account, seed), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encoding QR code: %w", err)
	}
	return png, nil
}
