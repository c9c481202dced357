package tools

import (
	"strings"
)

const BR_COUNTRY_CODE = "55"

const phoneSeparators = " \t-.()/+"

// NormalizePhone canoniza um telefone para o formato usado como chave de contato
// (apenas dígitos, DDI + DDD + número, sem '+').
//
// Heurística atual (Brasil):
// - separadores comuns são descartados; qualquer outro caractere invalida o número
// - zeros à esquerda (prefixo de tronco) são removidos
// - 10 dígitos, ou 11 dígitos com o '9' de celular, recebem o DDI 55
// - 55 + DDD + celular de 8 dígitos (6-9) recebe o '9' extra
// - demais números são mantidos como vieram
//
// Returns "" when the input is not a usable phone number.
func NormalizePhone(raw string) string {
	phone := strings.TrimLeft(phoneDigits(raw), "0")
	if phone == "" {
		return ""
	}

	switch {
	case len(phone) == 10:
		phone = BR_COUNTRY_CODE + phone
	case len(phone) == 11 && phone[2] == '9':
		phone = BR_COUNTRY_CODE + phone
	}

	if len(phone) == 12 && strings.HasPrefix(phone, BR_COUNTRY_CODE) && isMobileLead(phone[4]) {
		phone = phone[:4] + "9" + phone[4:]
	}
	return phone
}

// PhoneVariants returns every representation under which the number may
// have been stored: the digits as given, the canonical form, the form
// without country code and the forms without the mobile 9. The canonical
// form is always the first element. Nil when the input is invalid.
func PhoneVariants(raw string) []string {
	canonical := NormalizePhone(raw)
	if canonical == "" {
		return nil
	}

	out := make([]string, 0, 6)
	add := func(v string) {
		if v == "" {
			return
		}
		for _, existing := range out {
			if existing == v {
				return
			}
		}
		out = append(out, v)
	}

	add(canonical)
	add(phoneDigits(raw))

	if strings.HasPrefix(canonical, BR_COUNTRY_CODE) && (len(canonical) == 12 || len(canonical) == 13) {
		add(canonical[2:])
		if len(canonical) == 13 && canonical[4] == '9' {
			without9 := canonical[:4] + canonical[5:]
			add(without9)
			add(without9[2:])
		}
	}
	return out
}

// SamePhone reports whether two phone strings reach the same canonical form.
func SamePhone(a, b string) bool {
	na := NormalizePhone(a)
	return na != "" && na == NormalizePhone(b)
}

// IsPhoneShaped reports whether s is a 10 to 15 digit numeric string.
func IsPhoneShaped(s string) bool {
	if len(s) < 10 || len(s) > 15 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func phoneDigits(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune(phoneSeparators, r):
		default:
			return ""
		}
	}
	return b.String()
}

func isMobileLead(c byte) bool {
	return c >= '6' && c <= '9'
}
