package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestInitWithoutTracesIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "merkledrop"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := Tracer("merkledrop/test").Start(context.Background(), "noop")
	span.End()
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders("authorization=Bearer x, ,broken,team = core")
	require.Equal(t, map[string]string{"authorization": "Bearer x", "team": "core"}, headers)
}
