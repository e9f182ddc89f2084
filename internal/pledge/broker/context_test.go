package broker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	in := Context{PendingID: "po-1", ProjectID: "p:1", RewardID: "r1", PayerID: "u:1"}
	s, err := EncodeContext(in)
	require.NoError(t, err)

	out, err := DecodeContext(s)
	require.NoError(t, err)
	in.Version = ContextVersion
	assert.Equal(t, in, out)
}

func TestContextRejects(t *testing.T) {
	_, err := EncodeContext(Context{ProjectID: "p", PayerID: "u"})
	assert.ErrorIs(t, err, ErrInvalidContext)

	_, err = EncodeContext(Context{PendingID: "po", ProjectID: strings.Repeat("p", 300), PayerID: "u"})
	assert.ErrorIs(t, err, ErrInvalidContext)

	for _, raw := range []string{
		"",
		"p1:r1:u1",
		`{"v":2,"order":"po","project":"p","payer":"u"}`,
		`{"v":1,"order":"po","payer":"u"}`,
		`{"v":1,"order":"` + strings.Repeat("x", 300) + `","project":"p","payer":"u"}`,
	} {
		_, err := DecodeContext(raw)
		assert.ErrorIs(t, err, ErrInvalidContext, raw)
	}
}
