// Package builtin holds the value mappers used by the CMED layout. Every mapper
// registers itself with the transformer registry at init time.
package builtin

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"cmedetl/internal/transformer"
)

func init() {
	transformer.Register("text", Text)
	transformer.Register("dash_null", DashNull)
	transformer.Register("int", Int)
	transformer.Register("decimal_comma", DecimalComma)
	transformer.Register("yes_no", YesNo)
	transformer.Register("balance", Balance)
	transformer.Register("product_type", ProductType)
	transformer.Register("price_regime", PriceRegime)
	transformer.Register("tarja", Tarja)
	transformer.Register("substance", Substance)
	transformer.Register("class_code", ClassCode)
	transformer.Register("class_description", ClassDescription)
}

// ErrMalformedClass is returned when a therapeutic class cell has no
// "code - description" separator.
var ErrMalformedClass = errors.New("malformed therapeutic class")

// HasEdgeSpace reports whether s starts or ends with ASCII whitespace.
// It lets hot paths skip strings.TrimSpace when there is nothing to trim.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return isSpace(s[0]) || isSpace(s[len(s)-1])
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\v' || b == '\f'
}

// cellString returns the trimmed text of a cell and whether it holds anything.
func cellString(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		s = fmt.Sprint(t)
	}
	if HasEdgeSpace(s) {
		s = strings.TrimSpace(s)
	}
	return s, s != ""
}

// Text trims the cell; blank becomes NULL.
func Text(v any) (any, error) {
	s, ok := cellString(v)
	if !ok {
		return nil, nil
	}
	return s, nil
}

// DashNull maps the "-" placeholder to NULL and passes any other text through
// trimmed.
func DashNull(v any) (any, error) {
	s, ok := cellString(v)
	if !ok || s == "-" {
		return nil, nil
	}
	return s, nil
}

// Int parses integer codes such as GGREM, registration numbers and barcodes.
// Spreadsheets sometimes store these as floats ("7.896004703398E12"), so
// integral float notation is accepted too. Anything else is NULL.
func Int(v any) (any, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		if n, ok := integralFloat(t); ok {
			return n, nil
		}
		return nil, nil
	}
	s, ok := cellString(v)
	if !ok || s == "-" {
		return nil, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, nil
	}
	if n, ok := integralFloat(f); ok {
		return n, nil
	}
	return nil, nil
}

// integralFloat converts f when it is a whole number inside the int64 range.
// float64(math.MaxInt64) rounds up to 2^63, so the bound is exclusive.
func integralFloat(f float64) (int64, bool) {
	if math.IsNaN(f) || f != math.Trunc(f) || math.Abs(f) >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// DecimalComma parses "12,34" as 12.34. When a comma is present any dots are
// thousands separators ("1.234,56"). Unparseable input is NULL.
func DecimalComma(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int64:
		return float64(t), nil
	}
	s, ok := cellString(v)
	if !ok {
		return nil, nil
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, nil
	}
	return f, nil
}

// YesNo maps "Sim" to 1 and everything else, NULL included, to 0.
func YesNo(v any) (any, error) {
	s, _ := cellString(v)
	if strings.EqualFold(s, "Sim") {
		return int64(1), nil
	}
	return int64(0), nil
}

var balanceCodes = map[string]int64{
	"Positiva": 1,
	"Negativa": 2,
	"Neutra":   3,
}

// Balance encodes the tax-credit list (LISTA DE CONCESSÃO DE CRÉDITO TRIBUTÁRIO).
func Balance(v any) (any, error) { return lookupCode(balanceCodes, v), nil }

var productTypeCodes = map[string]int64{
	"Genérico":                    1,
	"Similar":                     2,
	"Novo":                        3,
	"Biológico":                   4,
	"Específico":                  5,
	"Fitoterápico":                6,
	"Produto de Terapia Avançada": 7,
	"Radiofármaco":                8,
	"Regulado":                    9,
}

// ProductType encodes TIPO DE PRODUTO (STATUS DO PRODUTO) as 1..9.
func ProductType(v any) (any, error) { return lookupCode(productTypeCodes, v), nil }

// PriceRegime maps "Liberado" to 1 and any other value to 2 (Regulado).
func PriceRegime(v any) (any, error) {
	s, _ := cellString(v)
	if s == "Liberado" {
		return int64(1), nil
	}
	return int64(2), nil
}

var tarjaCodes = map[string]int64{
	"Tarja Sem Tarja":              1,
	"Tarja Preta":                  2,
	"Tarja Preta (**)":             2,
	"Tarja Vermelha":               3,
	"Tarja Vermelha (**)":          3,
	"Tarja Vermelha sob restrição": 3,
}

// Tarja encodes the controlled-substance label.
func Tarja(v any) (any, error) { return lookupCode(tarjaCodes, v), nil }

func lookupCode(codes map[string]int64, v any) any {
	s, ok := cellString(v)
	if !ok {
		return nil
	}
	if c, ok := codes[s]; ok {
		return c
	}
	return nil
}

// ClassCode returns the code part of "A1B - ANTIÁCIDOS".
func ClassCode(v any) (any, error) {
	code, _, ok, err := splitClass(v)
	if err != nil || !ok {
		return nil, err
	}
	return code, nil
}

// ClassDescription returns the description part of "A1B - ANTIÁCIDOS".
// Hyphens after the first separator belong to the description.
func ClassDescription(v any) (any, error) {
	_, desc, ok, err := splitClass(v)
	if err != nil || !ok {
		return nil, err
	}
	return desc, nil
}

func splitClass(v any) (code, desc string, ok bool, err error) {
	s, present := cellString(v)
	if !present {
		return "", "", false, nil
	}
	head, tail, found := strings.Cut(s, "-")
	if !found {
		return "", "", false, fmt.Errorf("%w: %q", ErrMalformedClass, s)
	}
	code = strings.TrimSpace(head)
	if code == "" {
		return "", "", false, fmt.Errorf("%w: empty code in %q", ErrMalformedClass, s)
	}
	desc = strings.TrimSpace(tail)
	if desc == "" {
		return code, "", true, nil
	}
	return code, desc, true, nil
}
