package netbroker

import (
	"context"
	"encoding/json"
	"time"
)

func jsonUnmarshalLenient(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}

func deadlineContext(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
