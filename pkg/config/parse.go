package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tailscale/hujson"

	"github.com/nullrunner/mcpmux/pkg/log"
	"github.com/nullrunner/mcpmux/pkg/spec"
	"github.com/nullrunner/mcpmux/pkg/template"
)

// templateSettings is §6's `templateSettings` block.
type templateSettings struct {
	CacheContext      bool   `json:"cacheContext"`
	ValidateTemplates bool   `json:"validateTemplates"`
	FailureMode       string `json:"failureMode"` // "strict" | "graceful"
}

// rawConfig mirrors §6's on-disk shape. Each server/template entry is
// decoded lazily (json.RawMessage) so one malformed entry can be skipped
// without failing the whole parse (§4.7 "invalid types cause the
// individual spec to be skipped without failing the reload"). The *Order
// fields are populated separately by parseRawConfig (encoding/json discards
// object key order once decoded into a map) and carry §4.5's "server
// registration order" all the way from the bytes on disk.
type rawConfig struct {
	MCPServers        map[string]json.RawMessage `json:"mcpServers"`
	MCPServersOrder   []string                   `json:"-"`
	MCPTemplates      map[string]json.RawMessage `json:"mcpTemplates"`
	MCPTemplatesOrder []string                   `json:"-"`
	TemplateSettings  templateSettings           `json:"templateSettings"`
}

// parseRawConfig tolerates JS-style comments and trailing commas (hujson,
// the same tolerant-JSON library the teacher's own config tooling
// depends on) before handing the standardized bytes to encoding/json.
func parseRawConfig(raw []byte) (*rawConfig, error) {
	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	var cfg rawConfig
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(standardized, &top); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if order, err := objectKeyOrder(top["mcpServers"]); err != nil {
		log.Logf("! could not recover mcpServers declaration order, falling back to unordered: %v", err)
	} else {
		cfg.MCPServersOrder = order
	}
	if order, err := objectKeyOrder(top["mcpTemplates"]); err != nil {
		log.Logf("! could not recover mcpTemplates declaration order, falling back to unordered: %v", err)
	} else {
		cfg.MCPTemplatesOrder = order
	}

	return &cfg, nil
}

// objectKeyOrder walks a JSON object's top-level keys in on-the-wire order,
// the only way encoding/json exposes declaration order once a value has
// been decoded into a map (§4.5 "ordered by server registration order").
func objectKeyOrder(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected a JSON object")
	}
	var keys []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string key")
		}
		keys = append(keys, key)
		var discard json.RawMessage
		if err := dec.Decode(&discard); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// orderedKeys returns order filtered down to the keys actually present in
// raw, with any keys order is missing (declaration order unrecoverable, or
// a caller-supplied raw map not already covered) appended in arbitrary
// trailing order so no entry is silently dropped.
func orderedKeys(raw map[string]json.RawMessage, order []string) []string {
	seen := make(map[string]bool, len(order))
	names := make([]string, 0, len(raw))
	for _, n := range order {
		if _, ok := raw[n]; ok && !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}
	if len(names) == len(raw) {
		return names
	}
	for n := range raw {
		if !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}
	return names
}

// buildServers decodes and validates each mcpServers entry independently,
// logging and skipping ones that fail to unmarshal or fail §3 validation
// (§4.7 step 1). The returned order lists the successfully-built names in
// their on-disk declaration order (§4.5), for fleet.Reconcile to carry
// through to every downstream listing.
func buildServers(raw map[string]json.RawMessage, order []string, envSubstitution bool) (map[string]*spec.ServerSpec, []string) {
	out := make(map[string]*spec.ServerSpec, len(raw))
	builtOrder := make([]string, 0, len(raw))
	for _, name := range orderedKeys(raw, order) {
		msg := raw[name]
		var s spec.ServerSpec
		if err := json.Unmarshal(msg, &s); err != nil {
			log.Logf("! skipping mcpServers.%s: %v", name, err)
			continue
		}
		s.Name = name

		if envSubstitution {
			substituteEnv(&s)
		}

		if issues := spec.Validate(&s); len(issues) > 0 {
			for _, issue := range issues {
				log.Logf("! skipping mcpServers.%s: %s", name, issue)
			}
			continue
		}

		out[name] = &s
		builtOrder = append(builtOrder, name)
	}
	return out, builtOrder
}

// buildTemplates decodes each mcpTemplates entry. Template definitions are
// exempt from §3's full struct validation: their string fields legitimately
// contain unresolved `{{.field}}` actions until §4.8 renders them against a
// session's context, which would otherwise fail e.g. the `url` tag's
// well-formedness check. command/url exclusivity is classified
// unconditionally (ClassifyKind), since transport dispatch depends on it
// regardless of settings; the remaining numeric invariants are gated behind
// templateSettings.validateTemplates.
func buildTemplates(raw map[string]json.RawMessage, order []string, envSubstitution bool, settings templateSettings) map[string]template.Definition {
	out := make(map[string]template.Definition, len(raw))
	for _, name := range orderedKeys(raw, order) {
		msg := raw[name]
		var s spec.ServerSpec
		if err := json.Unmarshal(msg, &s); err != nil {
			log.Logf("! skipping mcpTemplates.%s: %v", name, err)
			continue
		}
		s.Name = name

		if envSubstitution {
			substituteEnv(&s)
		}

		// Kind must be classified unconditionally, not just when
		// validateTemplates asks for shape checking: it's what
		// transport.NewAdapter dispatches stdio vs. http/sse on once
		// render() hands the rendered spec to outbound.New.
		if err := spec.ClassifyKind(&s); err != nil {
			log.Logf("! skipping mcpTemplates.%s: %v", name, err)
			continue
		}

		if settings.ValidateTemplates {
			if err := validateTemplateShape(name, &s); err != nil {
				log.Logf("! skipping %v", err)
				continue
			}
		}

		out[name] = template.Definition{Name: name, Spec: s}
	}
	return out
}

// validateTemplateShape checks the fields that don't depend on rendering: a
// template's command/url exclusivity is already enforced unconditionally by
// ClassifyKind above, so templateSettings.validateTemplates instead gates
// the remaining §3 numeric invariants that apply just as well to an
// unrendered spec.
func validateTemplateShape(name string, s *spec.ServerSpec) error {
	if s.MaxRestarts < 0 {
		return fmt.Errorf("mcpTemplates.%s: maxRestarts must be >= 0", name)
	}
	if s.RestartDelay < 0 {
		return fmt.Errorf("mcpTemplates.%s: restartDelay must be >= 0", name)
	}
	return nil
}
