package planner

import (
	"strings"

	"mediamill/internal/taskerr"
)

// The runner spawns ffmpeg directly, never through a shell, so these tokens
// can do no expansion harm; rejecting them anyway keeps an assembled argv
// from ever being copy-pasted into a shell unsafely. Filter-graph arguments
// legitimately contain ';' and friends, so they are whitelisted.
var dangerousTokens = []string{";", ">", "<", "|", "&&", "||", "`", "$"}

// filterFlags are the ffmpeg flags whose following argument is a filter
// graph. The whitelist window opened by one of these ends at the next argv
// entry that begins with '-'.
var filterFlags = map[string]bool{
	"-vf":             true,
	"-af":             true,
	"-filter_complex": true,
	"-lavfi":          true,
	"-filter:v":       true,
	"-filter:a":       true,
}

// ValidateArgv rejects an argument vector carrying shell metacharacters
// outside filter-graph arguments.
func ValidateArgv(argv []string) error {
	inFilter := false
	for _, arg := range argv {
		if strings.HasPrefix(arg, "-") {
			inFilter = filterFlags[arg]
			continue
		}
		if inFilter {
			continue
		}
		for _, token := range dangerousTokens {
			if strings.Contains(arg, token) {
				return taskerr.New(taskerr.KindInputValidation,
					"unsafe token %q in argument %q", token, arg)
			}
		}
	}
	return nil
}
