// Package featureflags reads boolean switches from FLAG_<NAME> environment
// variables.
package featureflags

import (
	"os"
	"strconv"
	"strings"
)

const envPrefix = "FLAG_"

// Enabled reports whether FLAG_<NAME> is set to a true value.
func Enabled(name string) bool {
	return Lookup(name, false)
}

// Lookup returns the flag value, or def when it is unset or unparseable.
// Accepts the strconv.ParseBool forms plus yes/no and on/off.
func Lookup(name string, def bool) bool {
	raw, ok := os.LookupEnv(envPrefix + strings.ToUpper(name))
	if !ok {
		return def
	}
	switch v := strings.ToLower(strings.TrimSpace(raw)); v {
	case "yes", "on":
		return true
	case "no", "off", "":
		return false
	default:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return b
	}
}
