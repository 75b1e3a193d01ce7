package wskit

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fgrzl/claims"
)

const (
	ScopeAllServices = "callstream::*"
	ScopePrefix      = "callstream::"
)

// NewServerMuxerSession derives the services a connection may stream from
// the principal's scopes.
func NewServerMuxerSession(principal claims.Principal) (MuxerSession, error) {
	allowedServices := make(map[string]struct{})

	for _, scope := range principal.Scopes() {
		if scope == ScopeAllServices {
			return &muxerSession{allowAll: true}, nil
		}

		if strings.HasPrefix(scope, ScopePrefix) {
			service := strings.TrimPrefix(scope, ScopePrefix)
			if service == "" {
				slog.Warn("ignoring empty service scope", slog.String("scope", scope))
				continue
			}
			allowedServices[service] = struct{}{}
		}
	}

	if len(allowedServices) == 0 {
		return nil, fmt.Errorf("invalid scope: expected %q or %q{service}", ScopeAllServices, ScopePrefix)
	}

	return &muxerSession{
		allowAll:        false,
		allowedServices: allowedServices,
	}, nil
}

type MuxerSession interface {
	CanAccessService(service string) bool
	AllowedServices() []string
	AllowAllServices() bool
}

type muxerSession struct {
	allowAll        bool
	allowedServices map[string]struct{}
}

func (s *muxerSession) CanAccessService(service string) bool {
	if s.allowAll {
		return true
	}
	_, ok := s.allowedServices[service]
	return ok
}

func (s *muxerSession) AllowedServices() []string {
	if s.allowAll {
		return nil // semantically means all
	}
	services := make([]string, 0, len(s.allowedServices))
	for service := range s.allowedServices {
		services = append(services, service)
	}
	return services
}

func (s *muxerSession) AllowAllServices() bool {
	return s.allowAll
}
