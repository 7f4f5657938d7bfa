package spec

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"
)

var nameRE = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,49}$`)

var (
	once      sync.Once
	validate  *validator.Validate
	initError error
)

func getValidator() (*validator.Validate, error) {
	once.Do(func() {
		v := validator.New()
		initError = v.RegisterValidation("serverName", func(fl validator.FieldLevel) bool {
			return nameRE.MatchString(fl.Field().String())
		})
		validate = v
	})
	return validate, initError
}

// ClassifyKind assigns s.Kind from the mutually-exclusive presence of
// Command/URL, the same stdio-vs-http-like classification §3 bases
// transport.NewAdapter's dispatch on. Pulled out of Validate so a rendered
// template spec (§4.8), which never runs full struct validation against its
// unresolved `{{.field}}` actions, can still get a correct Kind before it
// reaches outbound.New.
func ClassifyKind(s *ServerSpec) error {
	isStdio := s.Command != ""
	isHTTP := s.URL != ""

	switch {
	case isStdio && isHTTP:
		return fmt.Errorf("a spec must be either stdio (command) or http-like (url), not both")
	case isStdio:
		s.Kind = KindStdio
	case isHTTP:
		s.Kind = KindHTTPLike
	default:
		return fmt.Errorf("a spec must set either command (stdio) or url (http/sse)")
	}
	return nil
}

// Validate checks a ServerSpec against §3's invariants. It classifies the
// spec's variant as a side effect (Kind is set) and collects every issue
// rather than stopping at the first one, so a reload can skip an invalid
// spec without rejecting the whole batch (§4.7, §7 Validation kind).
func Validate(s *ServerSpec) []Issue {
	var issues []Issue

	v, err := getValidator()
	if err != nil {
		return []Issue{{ServerName: s.Name, Field: "*", Message: err.Error()}}
	}

	if err := v.Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				issues = append(issues, Issue{
					ServerName: s.Name,
					Field:      fe.Field(),
					Message:    fmt.Sprintf("failed %s check", fe.Tag()),
				})
			}
		} else {
			issues = append(issues, Issue{ServerName: s.Name, Field: "*", Message: err.Error()})
		}
	}

	if err := ClassifyKind(s); err != nil {
		issues = append(issues, Issue{ServerName: s.Name, Field: "command/url", Message: err.Error()})
	}

	if s.MaxRestarts < 0 {
		issues = append(issues, Issue{ServerName: s.Name, Field: "maxRestarts", Message: "must be >= 0"})
	}
	if s.RestartDelay < 0 {
		issues = append(issues, Issue{ServerName: s.Name, Field: "restartDelay", Message: "must be >= 0"})
	}

	return issues
}
