package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// getStringMap accepts a map from a config file or "k=v,k=v" from env and
// flags.
func getStringMap(v *viper.Viper, key string) map[string]string {
	if !v.IsSet(key) {
		return map[string]string{}
	}

	switch typed := v.Get(key).(type) {
	case map[string]string:
		return typed
	case map[string]interface{}:
		out := make(map[string]string, len(typed))
		for k, val := range typed {
			out[k] = fmt.Sprintf("%v", val)
		}
		return out
	case string:
		return parsePairs(typed)
	case []string:
		return parsePairs(strings.Join(typed, ","))
	default:
		return map[string]string{}
	}
}

func parsePairs(input string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(input, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		k, val = strings.TrimSpace(k), strings.TrimSpace(val)
		if k == "" || val == "" {
			continue
		}
		out[k] = val
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
