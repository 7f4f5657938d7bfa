// Package spec defines the declarative, reloadable ServerSpec model (§3)
// and its validation rules.
package spec

import (
	"fmt"
	"time"
)

// Kind discriminates the two ServerSpec shapes.
type Kind int

const (
	KindStdio Kind = iota
	KindHTTPLike
)

// OAuthConfig is the optional OAuth block on an HTTP/SSE spec.
type OAuthConfig struct {
	ClientID     string   `json:"clientId,omitempty" yaml:"clientId,omitempty"`
	ClientSecret string   `json:"clientSecret,omitempty" yaml:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	AutoRegister bool     `json:"autoRegister,omitempty" yaml:"autoRegister,omitempty"`
}

// RestartPolicy controls C2's Error->Connecting restart behavior (§4.2).
type RestartPolicy struct {
	RestartOnExit bool          `json:"restartOnExit,omitempty" yaml:"restartOnExit,omitempty"`
	MaxRestarts   int           `json:"maxRestarts,omitempty" validate:"gte=0" yaml:"maxRestarts,omitempty"`
	RestartDelay  time.Duration `json:"restartDelay,omitempty" validate:"gte=0" yaml:"restartDelay,omitempty"`
}

// ServerSpec is the declarative definition of one upstream server (§3).
type ServerSpec struct {
	Name     string   `json:"name" validate:"required,min=1,max=50,serverName" yaml:"name"`
	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Disabled bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	Kind Kind `json:"-" yaml:"-"`

	// stdio variant
	Command          string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args             []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Cwd              string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env              map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	EnvFilter        []string          `json:"envFilter,omitempty" yaml:"envFilter,omitempty"`
	InheritParentEnv *bool             `json:"inheritParentEnv,omitempty" yaml:"inheritParentEnv,omitempty"`

	// http/sse variant
	URL     string            `json:"url,omitempty" validate:"omitempty,url" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	OAuth   *OAuthConfig      `json:"oauth,omitempty" yaml:"oauth,omitempty"`

	Timeout           time.Duration `json:"timeout,omitempty" validate:"gte=0" yaml:"timeout,omitempty"`
	ConnectionTimeout time.Duration `json:"connectionTimeout,omitempty" validate:"gte=0" yaml:"connectionTimeout,omitempty"`
	RequestTimeout    time.Duration `json:"requestTimeout,omitempty" validate:"gte=0" yaml:"requestTimeout,omitempty"`

	RestartPolicy `json:",inline" yaml:",inline"`
}

// InheritsParentEnv reports the effective default (true) when unset.
func (s *ServerSpec) InheritsParentEnv() bool {
	if s.InheritParentEnv == nil {
		return true
	}
	return *s.InheritParentEnv
}

// TagSet returns the spec's tags as a set for fast filter evaluation.
func (s *ServerSpec) TagSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Tags))
	for _, t := range s.Tags {
		set[t] = struct{}{}
	}
	return set
}

// Clone returns a deep-enough copy for diffing / safe live-mutation.
func (s *ServerSpec) Clone() *ServerSpec {
	c := *s
	c.Tags = append([]string(nil), s.Tags...)
	c.Args = append([]string(nil), s.Args...)
	c.EnvFilter = append([]string(nil), s.EnvFilter...)
	if s.Env != nil {
		c.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			c.Env[k] = v
		}
	}
	if s.Headers != nil {
		c.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			c.Headers[k] = v
		}
	}
	if s.OAuth != nil {
		o := *s.OAuth
		o.Scopes = append([]string(nil), s.OAuth.Scopes...)
		c.OAuth = &o
	}
	return &c
}

// DiffFields returns the names of fields that differ between two specs of
// the same name, in a stable order. Used by the config reload diff (§4.7)
// and the fleet's metadata-only-change check (§3 MODIFIED rule).
func DiffFields(old, next *ServerSpec) []string {
	var fields []string
	add := func(name string, changed bool) {
		if changed {
			fields = append(fields, name)
		}
	}
	add("tags", !stringSliceEqual(old.Tags, next.Tags))
	add("disabled", old.Disabled != next.Disabled)
	add("command", old.Command != next.Command)
	add("args", !stringSliceEqual(old.Args, next.Args))
	add("cwd", old.Cwd != next.Cwd)
	add("env", !stringMapEqual(old.Env, next.Env))
	add("envFilter", !stringSliceEqual(old.EnvFilter, next.EnvFilter))
	add("inheritParentEnv", old.InheritsParentEnv() != next.InheritsParentEnv())
	add("url", old.URL != next.URL)
	add("headers", !stringMapEqual(old.Headers, next.Headers))
	add("oauth", !oauthEqual(old.OAuth, next.OAuth))
	add("timeout", old.Timeout != next.Timeout)
	add("connectionTimeout", old.ConnectionTimeout != next.ConnectionTimeout)
	add("requestTimeout", old.RequestTimeout != next.RequestTimeout)
	add("restartOnExit", old.RestartOnExit != next.RestartOnExit)
	add("maxRestarts", old.MaxRestarts != next.MaxRestarts)
	add("restartDelay", old.RestartDelay != next.RestartDelay)
	return fields
}

// IsMetadataOnly reports whether the only changed fields are ones that can
// be live-applied without a restart (currently: tags).
func IsMetadataOnly(fields []string) bool {
	if len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		if f != "tags" {
			return false
		}
	}
	return true
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringMapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func oauthEqual(a, b *OAuthConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ClientID == b.ClientID && a.ClientSecret == b.ClientSecret &&
		a.AutoRegister == b.AutoRegister && stringSliceEqual(a.Scopes, b.Scopes)
}

// Issue is a single validation problem attached to a spec by name.
type Issue struct {
	ServerName string
	Field      string
	Message    string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s.%s: %s", i.ServerName, i.Field, i.Message)
}
