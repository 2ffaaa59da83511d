package appattest_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/figamore/app-attest-server/internal/appattest"
)

func TestCanonicalJSONSortsKeysWithoutWhitespace(t *testing.T) {
	got := appattest.CanonicalJSON(map[string]string{
		"user-id":     "u1",
		"client-type": "ios",
	})
	require.Equal(t, `{"client-type":"ios","user-id":"u1"}`, string(got))
}

func TestCanonicalJSONEscapesForwardSlash(t *testing.T) {
	got := appattest.CanonicalJSON(map[string]string{
		"path": "a/b/c",
	})
	require.Equal(t, `{"path":"a\/b\/c"}`, string(got))

	got = appattest.CanonicalJSON(map[string]string{
		"a/b": "v",
	})
	require.Equal(t, `{"a\/b":"v"}`, string(got))
}

func TestCanonicalJSONEscapesStrings(t *testing.T) {
	got := appattest.CanonicalJSON(map[string]string{
		"k": "a\"b\\c\nd\te",
	})
	require.Equal(t, `{"k":"a\"b\\c\nd\te"}`, string(got))

	got = appattest.CanonicalJSON(map[string]string{
		"ctl": string([]byte{0x01}),
	})
	require.Equal(t, "{\"ctl\":\"\\u0001\"}", string(got))
}

func TestCanonicalJSONEmptyMap(t *testing.T) {
	require.Equal(t, `{}`, string(appattest.CanonicalJSON(map[string]string{})))
	require.Equal(t, `{}`, string(appattest.CanonicalJSON(nil)))
}

// Insertion order must never leak into the output.
func TestCanonicalJSONOrderInvariant(t *testing.T) {
	a := map[string]string{}
	for _, k := range []string{"zz", "aa", "mm", "a-b", "a-a"} {
		a[k] = "v-" + k
	}
	b := map[string]string{}
	for _, k := range []string{"a-a", "mm", "zz", "a-b", "aa"} {
		b[k] = "v-" + k
	}
	require.Equal(t, appattest.CanonicalJSON(a), appattest.CanonicalJSON(b))
}
