// Package nfe validates the 44-digit access key that identifies a
// Brazilian electronic fiscal document (NFe/CTe).
package nfe

import (
	"fmt"
	"strconv"
	"strings"
)

// Rejection reasons returned by Validate.
const (
	ReasonMalformed          = "malformed"
	ReasonInvalidRegion      = "invalid region code"
	ReasonInvalidMonth       = "invalid month"
	ReasonInvalidModel       = "invalid document model"
	ReasonCheckDigitMismatch = "check digit mismatch"
)

// ufNames maps the 27 valid IBGE state codes to their abbreviations.
var ufNames = map[string]string{
	"11": "RO", "12": "AC", "13": "AM", "14": "RR", "15": "PA",
	"16": "AP", "17": "TO", "21": "MA", "22": "PI", "23": "CE",
	"24": "RN", "25": "PB", "26": "PE", "27": "AL", "28": "SE",
	"29": "BA", "31": "MG", "32": "ES", "33": "RJ", "35": "SP",
	"41": "PR", "42": "SC", "43": "RS", "50": "MS", "51": "MT",
	"52": "GO", "53": "DF",
}

// Document models accepted in the key: 55 = NFe, 57 = CTe.
var validModels = map[string]bool{"55": true, "57": true}

// Result carries the outcome of a structural key validation.
type Result struct {
	Valid  bool
	Reason string
}

// Normalize strips everything that is not a decimal digit, so keys pasted
// with spaces or separators still validate.
func Normalize(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Validate checks the structural correctness of a 44-digit access key.
// Checks run in a fixed order and short-circuit on the first failure.
// The function is pure and safe to call on arbitrary input.
func Validate(key string) Result {
	if len(key) != 44 || !allDigits(key) {
		return Result{Reason: ReasonMalformed}
	}

	if _, ok := ufNames[key[0:2]]; !ok {
		return Result{Reason: ReasonInvalidRegion}
	}

	month, err := strconv.Atoi(key[4:6])
	if err != nil || month < 1 || month > 12 {
		return Result{Reason: ReasonInvalidMonth}
	}

	if !validModels[key[20:22]] {
		return Result{Reason: ReasonInvalidModel}
	}

	expected, err := CheckDigit(key[:43])
	if err != nil {
		return Result{Reason: ReasonMalformed}
	}
	if int(key[43]-'0') != expected {
		return Result{Reason: ReasonCheckDigitMismatch}
	}

	return Result{Valid: true}
}

// CheckDigit computes the mod-11 verification digit over the 43-digit key
// prefix. Weights 2..9 repeat cyclically from the rightmost digit; the
// digit is 0 when the remainder of the weighted sum is 0 or 1, otherwise
// 11 minus the remainder.
func CheckDigit(prefix string) (int, error) {
	if len(prefix) != 43 || !allDigits(prefix) {
		return 0, fmt.Errorf("check digit input must be 43 digits, got %d", len(prefix))
	}

	sum := 0
	weight := 2
	for i := len(prefix) - 1; i >= 0; i-- {
		sum += int(prefix[i]-'0') * weight
		weight++
		if weight > 9 {
			weight = 2
		}
	}

	remainder := sum % 11
	if remainder < 2 {
		return 0, nil
	}
	return 11 - remainder, nil
}

// KeyInfo holds the fields extracted from a valid access key.
type KeyInfo struct {
	UF          string
	UFCode      string
	Year        string
	Month       string
	CNPJ        string
	Model       string
	ModelCode   string
	Series      string
	Number      string
	Emission    string
	NumericCode string
	CheckDigit  string
}

// Parse extracts the key fields. It returns an error when the key does
// not pass Validate.
func Parse(key string) (*KeyInfo, error) {
	if res := Validate(key); !res.Valid {
		return nil, fmt.Errorf("invalid access key: %s", res.Reason)
	}

	model := "NFe"
	if key[20:22] == "57" {
		model = "CTe"
	}

	return &KeyInfo{
		UF:          ufNames[key[0:2]],
		UFCode:      key[0:2],
		Year:        "20" + key[2:4],
		Month:       key[4:6],
		CNPJ:        key[6:20],
		Model:       model,
		ModelCode:   key[20:22],
		Series:      key[22:25],
		Number:      key[25:34],
		Emission:    key[34:35],
		NumericCode: key[35:43],
		CheckDigit:  key[43:44],
	}, nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
