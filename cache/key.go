package cache

import (
	"encoding/json"
	"time"

	"sensorscope/record"
)

// Key identifies one memoized query. Two keys with equal fields encode to the
// same string and keys that differ in any field never do.
type Key struct {
	Kind       string
	Location   string
	Source     record.SourceMatcher
	Start      time.Time
	End        time.Time
	Collection string
	Base       string
	Params     map[string]string
}

// wireKey fixes the field order of the encoding
type wireKey struct {
	Kind       string               `json:"kind"`
	Location   string               `json:"location"`
	Source     record.SourceMatcher `json:"source"`
	Start      string               `json:"start"`
	End        string               `json:"end"`
	Collection string               `json:"collection"`
	Base       string               `json:"base"`
	Params     map[string]string    `json:"params,omitempty"`
}

// String returns the canonical encoding of the key. Times are normalized to
// UTC and map entries are emitted in sorted order.
func (k Key) String() string {
	data, err := json.Marshal(wireKey{
		Kind:       k.Kind,
		Location:   k.Location,
		Source:     k.Source,
		Start:      formatTime(k.Start),
		End:        formatTime(k.End),
		Collection: k.Collection,
		Base:       k.Base,
		Params:     k.Params,
	})
	if err != nil {
		// Every field is a string or a matcher, which always encode
		panic("cache: encoding key: " + err.Error())
	}
	return string(data)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
