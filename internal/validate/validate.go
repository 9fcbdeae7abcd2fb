// Package validate holds request-level validators shared by the services:
// endpoint URL vetting (including private-network rejection), identifier
// grammar, money bounds and rating ranges.
package validate

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/agoranet/marketplace/internal/core"
)

var (
	skillIDPattern    = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)
	capabilityPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)
	hexAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	txHashPattern     = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	publicKeyPattern  = regexp.MustCompile(`^[0-9a-f]{64}$`)
	maxDisplayNameLen = 128
	maxDescriptionLen = 4096
	maxMessageLen     = 2048
	maxCommentLen     = 4096
	maxCapabilities   = 20
)

// EndpointURL vets an agent-supplied callback URL. Only https with a
// hostname is accepted (plain http only when allowPrivate is set for dev
// environments), and literal IPs in private, loopback, link-local or
// unspecified ranges are rejected unless allowPrivate is set. Hostnames
// are not resolved here; the webhook client re-checks the dialed
// address.
func EndpointURL(raw string, allowPrivate bool) error {
	if raw == "" {
		return core.E(core.KindValidation, "endpoint_url is required")
	}
	if len(raw) > 2048 {
		return core.E(core.KindValidation, "endpoint_url too long")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return core.Wrap(core.KindValidation, err, "endpoint_url is not a valid url")
	}
	if u.Scheme != "https" && !(allowPrivate && u.Scheme == "http") {
		return core.E(core.KindValidation, "endpoint_url scheme must be https")
	}
	host := u.Hostname()
	if host == "" {
		return core.E(core.KindValidation, "endpoint_url has no host")
	}
	if allowPrivate {
		return nil
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".internal") {
		return core.E(core.KindValidation, "endpoint_url must be publicly reachable")
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return core.E(core.KindValidation, "endpoint_url must not point at a private address")
	}
	return nil
}

// DialableIP reports whether a resolved address may be dialed by the
// webhook client. This runs at dial time so DNS rebinding cannot smuggle
// a private target past registration.
func DialableIP(ip net.IP, allowPrivate bool) bool {
	if allowPrivate {
		return true
	}
	return !isPrivateIP(ip)
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast()
}

// PublicKey checks a hex-encoded Ed25519 public key.
func PublicKey(raw string) error {
	if !publicKeyPattern.MatchString(raw) {
		return core.E(core.KindValidation, "public_key must be 64 lowercase hex characters")
	}
	return nil
}

// DisplayName checks agent display names.
func DisplayName(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return core.E(core.KindValidation, "display_name is required")
	}
	if len(raw) > maxDisplayNameLen {
		return core.E(core.KindValidation, "display_name exceeds %d characters", maxDisplayNameLen)
	}
	return nil
}

// Description checks free-text descriptions.
func Description(raw string) error {
	if len(raw) > maxDescriptionLen {
		return core.E(core.KindValidation, "description exceeds %d characters", maxDescriptionLen)
	}
	return nil
}

// Message checks negotiation and dispute messages.
func Message(raw string) error {
	if len(raw) > maxMessageLen {
		return core.E(core.KindValidation, "message exceeds %d characters", maxMessageLen)
	}
	return nil
}

// Comment checks review comments.
func Comment(raw string) error {
	if len(raw) > maxCommentLen {
		return core.E(core.KindValidation, "comment exceeds %d characters", maxCommentLen)
	}
	return nil
}

// Capabilities checks a capability tag list.
func Capabilities(tags []string) error {
	if len(tags) > maxCapabilities {
		return core.E(core.KindValidation, "at most %d capabilities", maxCapabilities)
	}
	for _, tag := range tags {
		if !capabilityPattern.MatchString(tag) {
			return core.E(core.KindValidation, "capability %q: alphanumerics and dashes only, 64 characters max", tag)
		}
	}
	return nil
}

// SkillID checks listing skill identifiers.
func SkillID(raw string) error {
	if !skillIDPattern.MatchString(raw) {
		return core.E(core.KindValidation, "skill_id %q: alphanumerics and dashes only, 64 characters max", raw)
	}
	return nil
}

// PriceModel checks a listing price model value.
func PriceModel(raw string) error {
	switch core.PriceModel(raw) {
	case core.PerCall, core.PerUnit, core.PerHour, core.Flat:
		return nil
	}
	return core.E(core.KindValidation, "price_model must be one of per_call, per_unit, per_hour, flat")
}

// Money parses a positive decimal amount with at most two fractional
// digits.
func Money(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, core.E(core.KindValidation, "%s is not a valid amount", field)
	}
	if !d.IsPositive() {
		return decimal.Zero, core.E(core.KindValidation, "%s must be positive", field)
	}
	if d.Exponent() < -2 {
		return decimal.Zero, core.E(core.KindValidation, "%s has more than two decimal places", field)
	}
	if d.GreaterThan(decimal.NewFromInt(1_000_000)) {
		return decimal.Zero, core.E(core.KindValidation, "%s exceeds the maximum amount", field)
	}
	return d, nil
}

// Rating checks a review rating.
func Rating(n int) error {
	if n < 1 || n > 5 {
		return core.E(core.KindValidation, "rating must be between 1 and 5")
	}
	return nil
}

// ChainAddress checks an EVM address.
func ChainAddress(raw string) error {
	if !hexAddressPattern.MatchString(raw) {
		return core.E(core.KindValidation, "address must be 0x followed by 40 hex characters")
	}
	return nil
}

// TxHash checks an EVM transaction hash.
func TxHash(raw string) error {
	if !txHashPattern.MatchString(raw) {
		return core.E(core.KindValidation, "tx_hash must be 0x followed by 64 hex characters")
	}
	return nil
}

// Currency checks the settlement currency on a listing.
func Currency(raw string) error {
	if raw != "credits" {
		return core.E(core.KindValidation, "currency must be %q", "credits")
	}
	return nil
}

// JSONSize guards raw JSON payload fields against oversized documents.
func JSONSize(field string, raw []byte, max int) error {
	if len(raw) > max {
		return core.E(core.KindTooLarge, "%s exceeds %d bytes", field, max)
	}
	return nil
}
