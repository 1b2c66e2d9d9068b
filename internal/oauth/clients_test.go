package oauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterClientValidation(t *testing.T) {
	s := &Service{}

	cases := []struct {
		name   string
		params RegisterClientParams
	}{
		{
			name:   "missing name",
			params: RegisterClientParams{CallbackURLs: []string{"https://app/cb"}},
		},
		{
			name: "unsupported grant type",
			params: RegisterClientParams{
				Name:         "demo",
				GrantTypes:   []string{"implicit"},
				CallbackURLs: []string{"https://app/cb"},
			},
		},
		{
			name:   "code grant without callback",
			params: RegisterClientParams{Name: "demo"},
		},
		{
			name: "relative callback URL",
			params: RegisterClientParams{
				Name:         "demo",
				CallbackURLs: []string{"/cb"},
			},
		},
		{
			name: "callback with fragment",
			params: RegisterClientParams{
				Name:         "demo",
				CallbackURLs: []string{"https://app/cb#frag"},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := s.RegisterClient(context.Background(), tc.params)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidClient)
		})
	}
}
