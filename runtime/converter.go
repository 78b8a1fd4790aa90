package runtime

import (
	"fmt"
	"slices"
	"time"

	"github.com/mitchellh/mapstructure"
)

// decodeValues merges raw values into target by json tag. Scalars are
// coerced ("5" -> 5, 1 -> true), durations and RFC 3339 times are parsed
// from strings, and ",squash" embeds are flattened. The keys of m that
// matched no field are returned sorted.
func decodeValues(m map[string]any, target any) ([]string, error) {
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:   target,
		TagName:  "json",
		Metadata: &md,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(m); err != nil {
		return nil, fmt.Errorf("failed to decode values: %w", err)
	}

	slices.Sort(md.Unused)
	return md.Unused, nil
}
