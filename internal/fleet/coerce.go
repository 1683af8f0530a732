package fleet

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/joshp123/pecronhub/internal/retry"
	"github.com/joshp123/pecronhub/internal/schema"
)

func parseBoolLike(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "on", "1", "yes":
		return true, true
	case "false", "off", "0", "no":
		return false, true
	}
	return false, false
}

// Coerce converts a caller-supplied value to the schema's type. Failures are
// validation errors.
func Coerce(value any, vt schema.ValueType) (any, error) {
	if value == nil {
		return nil, invalid("value is required")
	}
	switch vt {
	case schema.TypeBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			if b, ok := parseBoolLike(v); ok {
				return b, nil
			}
		default:
			if n, ok := number(v); ok && (n == 0 || n == 1) {
				return n == 1, nil
			}
		}
		return nil, invalid(fmt.Sprintf("%v is not a boolean", value))

	case schema.TypeInt, schema.TypeEnum:
		if b, ok := value.(bool); ok {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
		n, ok := number(value)
		if !ok {
			if vt == schema.TypeEnum {
				if s, isString := value.(string); isString && strings.TrimSpace(s) != "" {
					return strings.TrimSpace(s), nil
				}
			}
			return nil, invalid(fmt.Sprintf("%v is not a number", value))
		}
		if n != math.Trunc(n) {
			return nil, invalid(fmt.Sprintf("%v is not an integer", value))
		}
		return int64(n), nil

	case schema.TypeFloat:
		n, ok := number(value)
		if !ok {
			return nil, invalid(fmt.Sprintf("%v is not a number", value))
		}
		return n, nil

	case schema.TypeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprint(value), nil

	default:
		s, ok := value.(string)
		if !ok {
			return value, nil
		}
		if b, ok := parseBoolLike(s); ok {
			return b, nil
		}
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return n, nil
		}
		return s, nil
	}
}

func invalid(msg string) error {
	return &retry.Error{Class: retry.ClassValidation, Err: fmt.Errorf("%w: %s", retry.ErrValidation, msg)}
}

// Equal compares a polled value with a desired one, treating 1/0 and
// bool-like strings as booleans and all numeric forms as numbers.
func Equal(a, b any) bool {
	na, aNum := scalar(a)
	nb, bNum := scalar(b)
	if aNum && bNum {
		return na == nb
	}
	if aNum || bNum {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(fmt.Sprint(a)), strings.TrimSpace(fmt.Sprint(b)))
}

func scalar(value any) (float64, bool) {
	switch v := value.(type) {
	case nil:
		return 0, false
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		if b, ok := parseBoolLike(v); ok {
			if b {
				return 1, true
			}
			return 0, true
		}
	}
	return number(value)
}
