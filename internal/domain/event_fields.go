package domain

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	return errors.As(err, target)
}

// jsonPath rewrites a validator namespace such as
// "EventMap.Transaction.Entries[1].Amount" into the payload path
// "transaction.entries[1].amount" so errors land on the shape the caller
// actually submitted.
func jsonPath(namespace string) string {
	segments := strings.Split(namespace, ".")
	if len(segments) > 1 {
		segments = segments[1:] // drop the root struct name
	}
	for i, seg := range segments {
		idx := ""
		if at := strings.IndexByte(seg, '['); at >= 0 {
			idx = seg[at:]
			seg = seg[:at]
		}
		segments[i] = snakeCase(seg) + idx
	}
	return strings.Join(segments, ".")
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "address_format":
		return "must match ^[a-zA-Z_0-9]+(:[a-zA-Z_0-9]+)*$"
	case "source_format":
		return "must be 2-30 chars of [a-z0-9_-] starting with [a-z0-9]"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "alpha":
		return "must be alphabetic"
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
