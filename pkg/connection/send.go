package connection

import (
	"context"
	"fmt"
)

// Send posts payload to endpoint and decodes the response into Result.
func Send[Result any](ctx context.Context, c Connection, endpoint string, payload any) (*Result, error) {
	data, err := c.Post(ctx, endpoint, payload)
	if err != nil {
		return nil, err
	}

	var r Result
	if err := c.GetUnmarshaler().Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	return &r, nil
}
