package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// WaitDuration reads a {duration, unit} pair. With an empty key the pair is
// read from the top level of config (delay nodes); otherwise from the nested
// object config[key] (condition timeouts). ok is false when no duration is
// configured.
func WaitDuration(config map[string]any, key string) (d time.Duration, ok bool, err error) {
	src := config
	if key != "" {
		nested, present := config[key]
		if !present || nested == nil {
			return 0, false, nil
		}
		m, isMap := nested.(map[string]any)
		if !isMap {
			return 0, false, errors.Errorf("%s must be an object with duration and unit", key)
		}
		src = m
	}
	raw, present := src["duration"]
	if !present || raw == nil {
		return 0, false, nil
	}
	amount, err := toFloat(raw)
	if err != nil {
		return 0, false, errors.Wrap(err, "duration")
	}
	if amount <= 0 {
		return 0, false, errors.Errorf("duration must be positive, got %v", amount)
	}
	unit, _ := src["unit"].(string)
	per, err := unitDuration(unit)
	if err != nil {
		return 0, false, err
	}
	return time.Duration(amount * float64(per)), true, nil
}

func unitDuration(unit string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "s", "sec", "second", "seconds":
		return time.Second, nil
	case "", "m", "min", "minute", "minutes":
		return time.Minute, nil
	case "h", "hour", "hours":
		return time.Hour, nil
	case "d", "day", "days":
		return 24 * time.Hour, nil
	case "w", "week", "weeks":
		return 7 * 24 * time.Hour, nil
	}
	return 0, errors.Errorf("unknown duration unit %q", unit)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	}
	return strconv.ParseFloat(fmt.Sprint(v), 64)
}

// ConfigString returns config[key] as a string, or "" when absent.
func ConfigString(config map[string]any, key string) string {
	v, ok := config[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
