package executor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agora-labs/agora/pkg/artifacts"
	"github.com/agora-labs/agora/pkg/canonicalize"
)

const schemaCacheTTL = 10 * time.Minute

// schemaCache compiles and caches the JSON Schemas found in artifact
// interfaces. Keyed by the schema's canonical hash, so an artifact
// update with a changed schema never serves a stale compilation.
type schemaCache struct {
	cache *gocache.Cache
}

func newSchemaCache() *schemaCache {
	// No cleanup interval: a janitor goroutine would outlive the world's
	// Close. Expired compilations are evicted lazily on lookup.
	return &schemaCache{cache: gocache.New(schemaCacheTTL, 0)}
}

// validateArgs checks invocation args against the method's declared
// schema, when the artifact declares one. No interface, or no schema for
// the method, means no constraint.
func (c *schemaCache) validateArgs(art *artifacts.Artifact, method string, args []interface{}) error {
	if art.Interface == nil {
		return nil
	}
	spec, ok := art.Interface.Methods[method]
	if !ok || spec.ArgsSchema == nil {
		return nil
	}

	sch, err := c.compile(spec.ArgsSchema)
	if err != nil {
		return fmt.Errorf("method %s: invalid args schema: %w", method, err)
	}

	// Round-trip through JSON so the instance carries only the types the
	// validator understands, whatever the caller put in the slice.
	value, err := normalizeInstance(args)
	if err != nil {
		return fmt.Errorf("method %s: args are not JSON-representable: %w", method, err)
	}
	if err := sch.Validate(value); err != nil {
		return fmt.Errorf("method %s: args do not match schema: %v", method, err)
	}
	return nil
}

func (c *schemaCache) compile(raw map[string]interface{}) (*jsonschema.Schema, error) {
	hash, err := canonicalize.CanonicalHash(raw)
	if err != nil {
		return nil, err
	}
	if cached, ok := c.cache.Get(hash); ok {
		return cached.(*jsonschema.Schema), nil
	}

	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "mem://args/" + hash + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(doc))); err != nil {
		return nil, err
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	c.cache.Set(hash, sch, gocache.DefaultExpiration)
	return sch, nil
}

func normalizeInstance(args []interface{}) (interface{}, error) {
	if args == nil {
		args = []interface{}{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}
