package sink

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequiredAcks(t *testing.T) {
	cases := []struct {
		in   string
		want sarama.RequiredAcks
	}{
		{"none", sarama.NoResponse},
		{"no_response", sarama.NoResponse},
		{"leader", sarama.WaitForLocal},
		{"1", sarama.WaitForLocal},
		{"all", sarama.WaitForAll},
		{"WAIT_FOR_ALL", sarama.WaitForAll},
		{"-1", sarama.WaitForAll},
	}
	for _, tc := range cases {
		got, err := parseRequiredAcks(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	_, err := parseRequiredAcks("sometimes")
	require.Error(t, err)
}
