// Package registry resolves module roles to base URLs. Resolution is pure:
// given the same manifest binding and environment, it always returns the same
// endpoint.
package registry

import (
	"fmt"
	"strings"

	"github.com/danshapiro/talespin/internal/contract"
)

// EnvLookup abstracts os.LookupEnv so resolution stays testable and pure.
type EnvLookup func(key string) (string, bool)

// One environment variable per role; the loremaster endpoints share a base URL.
var roleEnvVars = map[contract.ModuleRole]string{
	contract.RoleIntentExtractor:  "MODULE_INTENT_URL",
	contract.RoleLoremaster:       "MODULE_LOREMASTER_URL",
	contract.RoleDefaultSimulator: "MODULE_DEFAULT_SIMULATOR_URL",
	contract.RoleArbiter:          "MODULE_ARBITER_URL",
	contract.RoleProser:           "MODULE_PROSER_URL",
}

// Fixed localhost fallbacks, one port per role.
var roleDefaults = map[contract.ModuleRole]string{
	contract.RoleIntentExtractor:  "http://127.0.0.1:9011",
	contract.RoleLoremaster:       "http://127.0.0.1:9012",
	contract.RoleDefaultSimulator: "http://127.0.0.1:9013",
	contract.RoleArbiter:          "http://127.0.0.1:9014",
	contract.RoleProser:           "http://127.0.0.1:9015",
}

// EnvVar returns the environment variable consulted for a role.
func EnvVar(role contract.ModuleRole) string {
	return roleEnvVars[role]
}

// Resolve returns the base URL for a role. Precedence:
//  1. manifest binding, when it is an absolute http(s) URL
//  2. the role's MODULE_<ROLE>_URL environment variable
//  3. the fixed localhost default
func Resolve(role contract.ModuleRole, binding string, lookup EnvLookup) (string, error) {
	binding = strings.TrimSpace(binding)
	if isAbsoluteHTTP(binding) {
		return strings.TrimRight(binding, "/"), nil
	}

	envVar, ok := roleEnvVars[role]
	if !ok {
		return "", fmt.Errorf("unknown module role: %q", role)
	}
	if lookup != nil {
		if v, present := lookup(envVar); present && strings.TrimSpace(v) != "" {
			v = strings.TrimSpace(v)
			if !isAbsoluteHTTP(v) {
				return "", fmt.Errorf("%s must be an absolute http(s) URL, got %q", envVar, v)
			}
			return strings.TrimRight(v, "/"), nil
		}
	}
	return roleDefaults[role], nil
}

func isAbsoluteHTTP(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
