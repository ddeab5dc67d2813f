package voice_test

import (
	"testing"

	"github.com/book-expert/tts-server/internal/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormula(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		expr     string
		expected voice.Formula
	}{
		{
			name:     "single",
			expr:     "af_heart",
			expected: voice.Formula{{Name: "af_heart", Weight: 1}},
		},
		{
			name:     "equal blend",
			expr:     "af_bella+af_sky",
			expected: voice.Formula{{Name: "af_bella", Weight: 0.5}, {Name: "af_sky", Weight: 0.5}},
		},
		{
			name:     "weighted blend",
			expr:     "0.3*af_bella + 0.7*am_adam",
			expected: voice.Formula{{Name: "af_bella", Weight: 0.3}, {Name: "am_adam", Weight: 0.7}},
		},
		{
			name:     "weights are normalized",
			expr:     "2*bf_emma + 2*bm_george",
			expected: voice.Formula{{Name: "bf_emma", Weight: 0.5}, {Name: "bm_george", Weight: 0.5}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			formula, err := voice.ParseFormula(tc.expr)
			require.NoError(t, err)
			require.Len(t, formula, len(tc.expected))

			for i := range tc.expected {
				assert.Equal(t, tc.expected[i].Name, formula[i].Name)
				assert.InDelta(t, tc.expected[i].Weight, formula[i].Weight, 1e-9)
			}
		})
	}
}

func TestParseFormula_Errors(t *testing.T) {
	t.Parallel()

	_, err := voice.ParseFormula("  ")
	require.ErrorIs(t, err, voice.ErrEmptyVoice)

	for _, expr := range []string{"af_bella+", "0*af_bella", "-1*af_sky", "x*af_sky", "af bella", "../etc"} {
		_, err := voice.ParseFormula(expr)
		require.ErrorIs(t, err, voice.ErrInvalidVoice, "expression %q", expr)
	}
}

func TestFormula_String(t *testing.T) {
	t.Parallel()

	single, err := voice.ParseFormula("af_heart")
	require.NoError(t, err)
	assert.Equal(t, "af_heart", single.String())

	blend, err := voice.ParseFormula("1*af_bella+3*am_adam")
	require.NoError(t, err)
	assert.Equal(t, "0.25*af_bella + 0.75*am_adam", blend.String())
}

func TestResolver_Resolve(t *testing.T) {
	t.Parallel()

	resolver, err := voice.NewResolver("")
	require.NoError(t, err)

	code, err := resolver.Resolve("af_heart", "")
	require.NoError(t, err)
	assert.Equal(t, "a", code)

	code, err = resolver.Resolve("0.4*bf_emma + 0.6*af_sky", "")
	require.NoError(t, err)
	assert.Equal(t, "b", code, "first voice decides")

	code, err = resolver.Resolve("af_heart", "J")
	require.NoError(t, err)
	assert.Equal(t, "j", code, "explicit code wins")

	_, err = resolver.Resolve("qf_unknown", "")
	require.ErrorIs(t, err, voice.ErrUnknownLanguage)

	_, err = resolver.Resolve("", "a")
	require.ErrorIs(t, err, voice.ErrEmptyVoice)
}

func TestResolver_ConfiguredOverride(t *testing.T) {
	t.Parallel()

	resolver, err := voice.NewResolver("b")
	require.NoError(t, err)

	code, err := resolver.Resolve("af_heart", "")
	require.NoError(t, err)
	assert.Equal(t, "b", code)

	code, err = resolver.Resolve("af_heart", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", code)

	_, err = voice.NewResolver("x")
	require.ErrorIs(t, err, voice.ErrUnknownLanguage)

	name, ok := voice.Language("z")
	assert.True(t, ok)
	assert.Equal(t, "Mandarin Chinese", name)
}
