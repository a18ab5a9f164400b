package invitation

import (
	"context"
	"fmt"
	"net/url"

	"github.com/philtech/credit-engine/credit"
	"github.com/skip2/go-qrcode"
)

const (
	DefaultQRSize = 256
	MaxQRSize     = 1024
)

// QR renders a PNG QR code for an existing invitation code.
// Sizes above MaxQRSize are rejected.
func (s *Service) QR(ctx context.Context, code string, size int) ([]byte, error) {
	if size > MaxQRSize {
		return nil, &credit.ValidationError{Field: "size", Message: fmt.Sprintf("must be at most %d", MaxQRSize)}
	}
	c, err := s.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = DefaultQRSize
	}
	return qrcode.Encode(s.qrContent(c.Code), qrcode.Medium, size)
}

func (s *Service) qrContent(code string) string {
	if s.qrBaseURL == "" {
		return code
	}
	u, err := url.Parse(s.qrBaseURL)
	if err != nil {
		return code
	}
	q := u.Query()
	q.Set("code", code)
	u.RawQuery = q.Encode()
	return u.String()
}
