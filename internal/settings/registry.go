package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Kind classifies how a setting value is parsed.
type Kind string

// Setting kinds.
const (
	KindBool           Kind = "bool"
	KindString         Kind = "string"
	KindNonNegativeInt Kind = "non_negative_int"
	KindPositiveInt    Kind = "positive_int"
)

const maskedSecret = "********"

var (
	// ErrUnknownKey indicates the key is not a recognized setting.
	ErrUnknownKey = errors.New("settings: unknown key")
	// ErrInvalidValue indicates the value does not match the setting's kind.
	ErrInvalidValue = errors.New("settings: invalid value")
)

// Definition describes a runtime setting the scheduler reads.
type Definition struct {
	Key     string
	Kind    Kind
	Default any
	Secret  bool
}

var definitions = map[string]Definition{
	LeaseRateLimitKey:         {Key: LeaseRateLimitKey, Kind: KindNonNegativeInt, Default: DefaultLeaseRateLimit},
	LeaseRateLimitWindowKey:   {Key: LeaseRateLimitWindowKey, Kind: KindPositiveInt, Default: DefaultLeaseRateLimitWindowSeconds},
	RateLimitRedisEnabledKey:  {Key: RateLimitRedisEnabledKey, Kind: KindBool, Default: false},
	RateLimitRedisAddrKey:     {Key: RateLimitRedisAddrKey, Kind: KindString, Default: ""},
	RateLimitRedisPasswordKey: {Key: RateLimitRedisPasswordKey, Kind: KindString, Default: "", Secret: true},
	RateLimitRedisDBKey:       {Key: RateLimitRedisDBKey, Kind: KindNonNegativeInt, Default: 0},
	RateLimitRedisPrefixKey:   {Key: RateLimitRedisPrefixKey, Kind: KindString, Default: DefaultRateLimitRedisPrefix},
	WebhookRetentionDaysKey:   {Key: WebhookRetentionDaysKey, Kind: KindPositiveInt, Default: DefaultWebhookRetentionDays},
}

// Lookup returns the definition for key.
func Lookup(key string) (Definition, bool) {
	def, ok := definitions[key]
	return def, ok
}

// Definitions returns every known setting sorted by key.
func Definitions() []Definition {
	out := make([]Definition, 0, len(definitions))
	for _, def := range definitions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Normalize validates raw against the setting's kind and returns its canonical JSON.
func Normalize(key string, raw json.RawMessage) (json.RawMessage, error) {
	def, ok := Lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	var (
		value any
		valid bool
	)
	switch def.Kind {
	case KindBool:
		value, valid = ParseBool(raw)
	case KindString:
		value, valid = ParseString(raw)
	case KindNonNegativeInt:
		value, valid = ParseNonNegativeInt(raw)
	case KindPositiveInt:
		value, valid = ParsePositiveInt(raw)
	}
	if !valid {
		return nil, fmt.Errorf("%w: %s must be a %s", ErrInvalidValue, key, kindLabel(def.Kind))
	}
	canonical, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return nil, fmt.Errorf("settings: encode %s: %w", key, errMarshal)
	}
	return canonical, nil
}

// Display returns the value to show operators, masking secrets that are set.
func (d Definition) Display(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		defaultValue, _ := json.Marshal(d.Default)
		return defaultValue
	}
	if d.Secret {
		if value, ok := ParseString(raw); ok && value != "" {
			masked, _ := json.Marshal(maskedSecret)
			return masked
		}
	}
	return raw
}

func kindLabel(kind Kind) string {
	switch kind {
	case KindBool:
		return "boolean"
	case KindString:
		return "string"
	case KindNonNegativeInt:
		return "non-negative integer"
	case KindPositiveInt:
		return "positive integer"
	default:
		return string(kind)
	}
}
