package wskit

import (
	"testing"
	"time"

	"github.com/fgrzl/claims"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func principalWithScope(scope string) claims.Principal {
	ttl := time.Minute
	list := claims.NewClaimsList("tenant_id", "tenant").Add("scopes", scope)
	return claims.NewPrincipalFromList(list, &ttl)
}

func TestServerMuxerSession(t *testing.T) {
	t.Run("should allow every service for the wildcard scope", func(t *testing.T) {
		// Act
		session, err := NewServerMuxerSession(principalWithScope(ScopeAllServices))

		// Assert
		require.NoError(t, err)
		assert.True(t, session.AllowAllServices())
		assert.True(t, session.CanAccessService("TestService"))
		assert.Nil(t, session.AllowedServices())
	})

	t.Run("should restrict to the scoped service", func(t *testing.T) {
		// Act
		session, err := NewServerMuxerSession(principalWithScope(ScopePrefix + "TestService"))

		// Assert
		require.NoError(t, err)
		assert.False(t, session.AllowAllServices())
		assert.True(t, session.CanAccessService("TestService"))
		assert.False(t, session.CanAccessService("OtherService"))
		assert.Equal(t, []string{"TestService"}, session.AllowedServices())
	})

	t.Run("should reject principals without a service scope", func(t *testing.T) {
		// Act
		_, err := NewServerMuxerSession(principalWithScope("other::*"))

		// Assert
		assert.Error(t, err)
	})
}
