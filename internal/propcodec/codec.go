// Package propcodec lets viper read and write Java-style .properties config files.
package propcodec

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/magiconair/properties"
	"github.com/spf13/viper"
)

// Codec decodes "key=value", "key: value" and "key value" lines. Dotted keys become
// nested maps so "http.addr" reads the same as an http section in yaml.
type Codec struct{}

func (Codec) Decode(b []byte, v map[string]any) error {
	loader := properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := loader.LoadBytes(b)
	if err != nil {
		return fmt.Errorf("parse properties: %w", err)
	}

	for _, key := range p.Keys() {
		value, _ := p.Get(key)
		path := strings.Split(strings.ToLower(key), ".")
		m := v
		for _, k := range path[:len(path)-1] {
			next, ok := m[k].(map[string]any)
			if !ok {
				next = make(map[string]any)
				m[k] = next
			}
			m = next
		}
		m[path[len(path)-1]] = value
	}
	return nil
}

func (Codec) Encode(v map[string]any) ([]byte, error) {
	flat := make(map[string]string)
	flatten("", v, flat)

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := properties.NewProperties()
	p.DisableExpansion = true
	for _, k := range keys {
		if _, _, err := p.Set(k, flat[k]); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if _, err := p.Write(&buf, properties.UTF8); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func flatten(prefix string, v map[string]any, out map[string]string) {
	for k, val := range v {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if m, ok := val.(map[string]any); ok {
			flatten(key, m, out)
			continue
		}
		out[key] = fmt.Sprint(val)
	}
}

// NewViper returns a viper instance that also understands .properties files
func NewViper() *viper.Viper {
	registry := viper.NewCodecRegistry()
	for _, ext := range []string{"properties", "props", "prop"} {
		// only fails on an empty format name
		_ = registry.RegisterCodec(ext, Codec{})
	}
	return viper.NewWithOptions(viper.WithCodecRegistry(registry))
}
