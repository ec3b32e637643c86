//go:build !sonic

package transition

import (
	"github.com/goccy/go-json"
)

// Marshal and Unmarshal are the wire codec for batches and results
var (
	Marshal   = json.Marshal
	Unmarshal = json.Unmarshal
)
