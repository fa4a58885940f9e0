package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"genledger/internal/domain"
)

// DefaultSignatureTolerance bounds the age of a signed webhook timestamp.
const DefaultSignatureTolerance = 5 * time.Minute

// Sign renders a signature header for payload, "t={unix},v1={hex}".
func Sign(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + signature(secret, ts, payload)
}

// VerifySignature checks header against payload. Any v1 entry may match so
// secrets can be rotated.
func VerifySignature(secret string, payload []byte, header string, now time.Time, tolerance time.Duration) error {
	if secret == "" {
		return fmt.Errorf("%w: webhook secret not configured", domain.ErrValidation)
	}
	var (
		ts         string
		candidates []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = value
		case "v1":
			candidates = append(candidates, value)
		}
	}
	if ts == "" || len(candidates) == 0 {
		return fmt.Errorf("%w: malformed signature header", domain.ErrValidation)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed signature timestamp", domain.ErrValidation)
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(unix, 0))
		if age > tolerance || age < -tolerance {
			return fmt.Errorf("%w: signature timestamp outside tolerance", domain.ErrValidation)
		}
	}

	expected := []byte(signature(secret, ts, payload))
	for _, candidate := range candidates {
		if hmac.Equal(expected, []byte(candidate)) {
			return nil
		}
	}
	return fmt.Errorf("%w: signature mismatch", domain.ErrValidation)
}

func signature(secret, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
