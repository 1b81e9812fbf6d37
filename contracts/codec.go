package contracts

import (
	jsoniter "github.com/json-iterator/go"
)

// codec is the JSON codec used for envelopes and payloads. The wire format
// stays plain JSON; jsoniter only speeds up the hot marshal/unmarshal path.
var codec = jsoniter.ConfigCompatibleWithStandardLibrary
