// Package phone turns provider chat ids and free-form numbers into the
// canonical E.164 form used as the contact key.
package phone

import (
	"errors"
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

var (
	ErrEmpty       = errors.New("phone: empty number")
	ErrGroupChat   = errors.New("phone: group or broadcast chat id")
	ErrUnparseable = errors.New("phone: not a possible phone number")
)

const brazilCountryCode = 55

type Normalizer struct {
	// DefaultRegion is used for numbers written without a country code.
	DefaultRegion string
	// MergeBrazil restores the mobile ninth digit on legacy 8-digit
	// Brazilian numbers.
	MergeBrazil bool
}

func NewNormalizer(region string) *Normalizer {
	if region == "" {
		region = "BR"
	}
	return &Normalizer{DefaultRegion: strings.ToUpper(region), MergeBrazil: true}
}

// Normalize returns the E.164 form of raw. It is idempotent:
// Normalize(Normalize(x)) == Normalize(x).
func (n *Normalizer) Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrEmpty
	}

	international := strings.HasPrefix(s, "+")
	if at := strings.IndexByte(s, '@'); at >= 0 {
		switch strings.ToLower(s[at+1:]) {
		case "c.us", "s.whatsapp.net":
			// chat ids always carry the country code
			international = true
			s = s[:at]
		default:
			return "", ErrGroupChat
		}
		if colon := strings.IndexByte(s, ':'); colon >= 0 {
			s = s[:colon]
		}
	}
	if s == "status" || strings.HasSuffix(s, "broadcast") {
		return "", ErrGroupChat
	}

	digits := onlyDigits(s)
	if digits == "" {
		return "", ErrUnparseable
	}

	cur, err := n.format(digits, international)
	if err != nil {
		return "", err
	}
	// A formatted number re-enters as international. Parsing can still move
	// it (national prefixes, the Brazilian merge), so only a fixed point is
	// returned.
	for i := 0; i < maxRounds; i++ {
		next, err := n.format(onlyDigits(cur), true)
		if err != nil {
			return "", ErrUnparseable
		}
		if next == cur {
			return cur, nil
		}
		cur = next
	}
	return "", ErrUnparseable
}

const maxRounds = 4

func (n *Normalizer) format(digits string, international bool) (string, error) {
	candidates := []string{"+" + digits}
	if !international {
		candidates = []string{digits, "+" + digits}
	}
	for _, c := range candidates {
		num, err := phonenumbers.Parse(c, n.DefaultRegion)
		if err != nil || !phonenumbers.IsPossibleNumber(num) {
			continue
		}
		if n.MergeBrazil {
			mergeBrazilNinthDigit(num)
		}
		return phonenumbers.Format(num, phonenumbers.E164), nil
	}
	return "", ErrUnparseable
}

// mergeBrazilNinthDigit turns AA+NNNNNNNN mobile numbers into AA+9NNNNNNNN.
func mergeBrazilNinthDigit(num *phonenumbers.PhoneNumber) {
	if num.GetCountryCode() != brazilCountryCode {
		return
	}
	national := strconv.FormatUint(num.GetNationalNumber(), 10)
	if len(national) != 10 {
		return
	}
	if first := national[2]; first < '6' || first > '9' {
		return
	}
	merged, err := strconv.ParseUint(national[:2]+"9"+national[2:], 10, 64)
	if err != nil {
		return
	}
	num.NationalNumber = &merged
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
