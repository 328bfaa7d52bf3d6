package terminal

import "strings"

// Platform selects the shell and base environment for new sessions and
// resolves the working directory of a session's process.
type Platform interface {
	Shell() string
	Environ() []string
	// Cwd reports ok=false when the host cannot answer for pid.
	Cwd(pid int) (cwd string, ok bool, err error)
}

// mergeEnv returns base with every KEY=VALUE in overrides applied,
// replacing earlier values for the same key in place.
func mergeEnv(base, overrides []string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	index := make(map[string]int, len(base)+len(overrides))
	for _, kv := range append(append([]string(nil), base...), overrides...) {
		key, _, _ := strings.Cut(kv, "=")
		if i, ok := index[key]; ok {
			out[i] = kv
			continue
		}
		index[key] = len(out)
		out = append(out, kv)
	}
	return out
}
