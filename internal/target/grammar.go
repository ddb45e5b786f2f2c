package target

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/eliteGoblin/focusd/app_reaper/internal/domain"
)

// Target list grammar:
//
//	list    = token { token }
//	token   = app-id "=" pattern { "," pattern }
//	app-id  = [A-Za-z0-9] { [A-Za-z0-9._-] }
//	pattern = 1*( any character except "," and whitespace )
//
// Patterns use shell glob syntax (*, ?, [...]) and are matched against the
// process name or argv[0]. An app id carries no process semantics of its own.
var appIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ParseToken parses a single "<app-id>=<pattern>[,<pattern>...]" token.
func ParseToken(token string) (domain.TargetSpec, error) {
	token = strings.TrimSpace(token)
	appID, rest, ok := strings.Cut(token, "=")
	if !ok {
		return domain.TargetSpec{}, fmt.Errorf("%w: %q: missing '=' between app id and patterns", domain.ErrInvalidTarget, token)
	}
	if !appIDPattern.MatchString(appID) {
		return domain.TargetSpec{}, fmt.Errorf("%w: %q: bad app id %q", domain.ErrInvalidTarget, token, appID)
	}

	spec := domain.TargetSpec{AppID: appID}
	for _, p := range strings.Split(rest, ",") {
		if err := validatePattern(p); err != nil {
			return domain.TargetSpec{}, fmt.Errorf("%w: %q: %v", domain.ErrInvalidTarget, token, err)
		}
		spec.ProcessPatterns = appendUnique(spec.ProcessPatterns, p)
	}
	return spec, nil
}

// ParseList parses every token, merging tokens that name the same app id.
// App ids listed in sticky are marked as externally exempted.
// Order follows the first appearance of each app id.
func ParseList(tokens []string, sticky []string) ([]domain.TargetSpec, error) {
	specs := make([]domain.TargetSpec, 0, len(tokens))
	index := make(map[string]int)

	for _, tok := range tokens {
		if strings.TrimSpace(tok) == "" {
			continue
		}
		spec, err := ParseToken(tok)
		if err != nil {
			return nil, err
		}
		if i, ok := index[spec.AppID]; ok {
			for _, p := range spec.ProcessPatterns {
				specs[i].ProcessPatterns = appendUnique(specs[i].ProcessPatterns, p)
			}
			continue
		}
		index[spec.AppID] = len(specs)
		specs = append(specs, spec)
	}

	for _, id := range sticky {
		if i, ok := index[id]; ok {
			specs[i].Sticky = true
		}
	}
	return specs, nil
}

// Merge combines target lists; later lists add patterns to earlier app ids
// and a sticky flag from either side wins.
func Merge(lists ...[]domain.TargetSpec) []domain.TargetSpec {
	var out []domain.TargetSpec
	index := make(map[string]int)
	for _, list := range lists {
		for _, spec := range list {
			if i, ok := index[spec.AppID]; ok {
				for _, p := range spec.ProcessPatterns {
					out[i].ProcessPatterns = appendUnique(out[i].ProcessPatterns, p)
				}
				out[i].Sticky = out[i].Sticky || spec.Sticky
				continue
			}
			index[spec.AppID] = len(out)
			spec.ProcessPatterns = append([]string(nil), spec.ProcessPatterns...)
			out = append(out, spec)
		}
	}
	return out
}

// Format renders a spec back into grammar form.
func Format(spec domain.TargetSpec) string {
	return spec.AppID + "=" + strings.Join(spec.ProcessPatterns, ",")
}

// SortByID orders specs by app id.
func SortByID(specs []domain.TargetSpec) {
	sort.Slice(specs, func(i, j int) bool { return specs[i].AppID < specs[j].AppID })
}

func validatePattern(p string) error {
	if p == "" {
		return fmt.Errorf("empty process pattern")
	}
	if strings.ContainsAny(p, " \t\r\n") {
		return fmt.Errorf("process pattern %q contains whitespace", p)
	}
	if _, err := path.Match(p, ""); err != nil {
		return fmt.Errorf("process pattern %q: %v", p, err)
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
