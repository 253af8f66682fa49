package confirm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func prompter(env, input string, tty bool) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{envVar: env, in: strings.NewReader(input), out: out, isTerminal: func() bool { return tty }}, out
}

func TestAskReadsAnswer(t *testing.T) {
	p, out := prompter("", "yes\n", true)
	ok, err := p.Ask("Publish?")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Publish? [y/N]: ", out.String())

	p, _ = prompter("", "\n", true)
	ok, err = p.Ask("Publish?")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAskEnvironmentOverride(t *testing.T) {
	t.Setenv("MERKLEDROP_TEST_CONFIRM", "yes")
	p, out := prompter("MERKLEDROP_TEST_CONFIRM", "", false)
	ok, err := p.Ask("Publish?")
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, out.Len())

	t.Setenv("MERKLEDROP_TEST_CONFIRM", "maybe")
	_, err = p.Ask("Publish?")
	require.Error(t, err)
}

func TestAskWithoutTerminal(t *testing.T) {
	p, _ := prompter("MERKLEDROP_TEST_UNSET_CONFIRM", "", false)
	_, err := p.Ask("Publish?")
	require.ErrorIs(t, err, ErrNoTerminal)
	require.ErrorContains(t, err, "MERKLEDROP_TEST_UNSET_CONFIRM")
}
