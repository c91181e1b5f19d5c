package gridsync

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// checkValidations evaluates every rule whose range covers the cell. The
// first failing rule rejects the write.
func checkValidations(rules []ValidationRule, row, col int, value string) *Rejection {
	for _, rule := range rules {
		r, err := ParseRange(rule.Range)
		if err != nil || !r.Contains(row, col) {
			continue
		}
		if strings.TrimSpace(value) == "" {
			if rule.AllowBlank {
				continue
			}
			return &Rejection{
				Reason:  RejectValidationFailed,
				Message: fmt.Sprintf("blank not allowed in %s", rule.Range),
			}
		}
		if msg := evalValidation(rule, value); msg != "" {
			return &Rejection{Reason: RejectValidationFailed, Message: msg}
		}
	}
	return nil
}

func evalValidation(rule ValidationRule, value string) string {
	switch rule.Type {
	case "list":
		for _, opt := range rule.Options {
			if value == opt {
				return ""
			}
		}
		return fmt.Sprintf("%q is not one of the allowed options", value)
	case "whole":
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return fmt.Sprintf("%q is not a whole number", value)
		}
		return compareNumeric(rule, float64(n))
	case "decimal":
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Sprintf("%q is not a number", value)
		}
		return compareNumeric(rule, f)
	case "textLength":
		return compareNumeric(rule, float64(len([]rune(value))))
	case "date":
		t, err := parseDateValue(value)
		if err != nil {
			return fmt.Sprintf("%q is not a date", value)
		}
		return compareDate(rule, t)
	}
	return ""
}

func compareNumeric(rule ValidationRule, v float64) string {
	v1, err1 := strconv.ParseFloat(strings.TrimSpace(rule.Value1), 64)
	v2, err2 := strconv.ParseFloat(strings.TrimSpace(rule.Value2), 64)
	switch rule.Operator {
	case "between":
		if err1 != nil || err2 != nil {
			return ""
		}
		if v < v1 || v > v2 {
			return fmt.Sprintf("value %v not between %v and %v", v, v1, v2)
		}
	case "notBetween":
		if err1 != nil || err2 != nil {
			return ""
		}
		if v >= v1 && v <= v2 {
			return fmt.Sprintf("value %v must be outside %v..%v", v, v1, v2)
		}
	case "equal":
		if err1 == nil && v != v1 {
			return fmt.Sprintf("value %v must equal %v", v, v1)
		}
	case "notEqual":
		if err1 == nil && v == v1 {
			return fmt.Sprintf("value %v must not equal %v", v, v1)
		}
	case "greaterThan":
		if err1 == nil && v <= v1 {
			return fmt.Sprintf("value %v must be greater than %v", v, v1)
		}
	case "greaterThanOrEqual":
		if err1 == nil && v < v1 {
			return fmt.Sprintf("value %v must be at least %v", v, v1)
		}
	case "lessThan":
		if err1 == nil && v >= v1 {
			return fmt.Sprintf("value %v must be less than %v", v, v1)
		}
	case "lessThanOrEqual":
		if err1 == nil && v > v1 {
			return fmt.Sprintf("value %v must be at most %v", v, v1)
		}
	}
	return ""
}

func compareDate(rule ValidationRule, t time.Time) string {
	t1, err1 := parseDateValue(rule.Value1)
	t2, err2 := parseDateValue(rule.Value2)
	switch rule.Operator {
	case "between":
		if err1 != nil || err2 != nil {
			return ""
		}
		if t.Before(t1) || t.After(t2) {
			return fmt.Sprintf("date not between %s and %s", rule.Value1, rule.Value2)
		}
	case "notBetween":
		if err1 != nil || err2 != nil {
			return ""
		}
		if !t.Before(t1) && !t.After(t2) {
			return fmt.Sprintf("date must be outside %s..%s", rule.Value1, rule.Value2)
		}
	case "equal":
		if err1 == nil && !t.Equal(t1) {
			return fmt.Sprintf("date must equal %s", rule.Value1)
		}
	case "notEqual":
		if err1 == nil && t.Equal(t1) {
			return fmt.Sprintf("date must not equal %s", rule.Value1)
		}
	case "greaterThan":
		if err1 == nil && !t.After(t1) {
			return fmt.Sprintf("date must be after %s", rule.Value1)
		}
	case "greaterThanOrEqual":
		if err1 == nil && t.Before(t1) {
			return fmt.Sprintf("date must not be before %s", rule.Value1)
		}
	case "lessThan":
		if err1 == nil && !t.Before(t1) {
			return fmt.Sprintf("date must be before %s", rule.Value1)
		}
	case "lessThanOrEqual":
		if err1 == nil && t.After(t1) {
			return fmt.Sprintf("date must not be after %s", rule.Value1)
		}
	}
	return ""
}

var dateLayouts = []string{"2006-01-02", "2006/01/02", "01/02/2006", time.RFC3339}

func parseDateValue(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// validateHyperlink accepts absolute http(s) and mailto links plus local
// anchors.
func validateHyperlink(link string) error {
	trimmed := strings.TrimSpace(link)
	if trimmed == "" {
		return nil
	}
	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		rest := trimmed[strings.Index(trimmed, "//")+2:]
		if rest == "" {
			return fmt.Errorf("hyperlink %q has no host", link)
		}
		return nil
	case strings.HasPrefix(lower, "mailto:"):
		if !strings.Contains(trimmed[len("mailto:"):], "@") {
			return fmt.Errorf("hyperlink %q is not a mail address", link)
		}
		return nil
	case strings.HasPrefix(trimmed, "#"):
		if len(trimmed) == 1 {
			return fmt.Errorf("hyperlink anchor is empty")
		}
		return nil
	}
	return fmt.Errorf("hyperlink %q must be http(s), mailto or a #anchor", link)
}
