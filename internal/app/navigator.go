package app

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/collab/internal/config"
)

// Route is a client view.
type Route string

const (
	RouteHome      Route = "/"
	RouteAuth      Route = "/auth"
	RouteDashboard Route = "/dashboard"
	RouteChat      Route = "/chat"
	RouteNotes     Route = "/notes"
)

var (
	// ErrUnknownRoute indicates a route outside the known views.
	ErrUnknownRoute = errors.New("app: unknown route")

	errMissingState = errors.New("app: state required")
)

const maxRedirects = 4

// Navigator applies the client-side redirects of a variant.
type Navigator struct {
	variant config.Variant
	state   *State
}

// NewNavigator constructs a Navigator over state.
func NewNavigator(variant config.Variant, state *State) (*Navigator, error) {
	if state == nil {
		return nil, errMissingState
	}
	switch variant {
	case config.VariantAnonymous, config.VariantAuthenticated:
	default:
		return nil, fmt.Errorf("app: unsupported variant %q", variant)
	}
	return &Navigator{variant: variant, state: state}, nil
}

// Resolve follows redirects from route and returns the view to show.
func (n *Navigator) Resolve(route Route) (Route, error) {
	current := route
	for hop := 0; hop < maxRedirects; hop++ {
		next, err := n.redirect(current)
		if err != nil {
			return "", err
		}
		if next == current {
			return current, nil
		}
		current = next
	}
	return "", fmt.Errorf("app: redirect loop from %s", route)
}

func (n *Navigator) redirect(route Route) (Route, error) {
	if n.variant == config.VariantAuthenticated {
		return n.redirectAuthenticated(route)
	}
	return n.redirectAnonymous(route)
}

func (n *Navigator) redirectAnonymous(route Route) (Route, error) {
	_, hasIdentity := n.state.CachedIdentity()
	switch route {
	case RouteHome:
		return RouteHome, nil
	case RouteAuth, RouteDashboard:
		return RouteHome, nil
	case RouteChat, RouteNotes:
		if !hasIdentity {
			return RouteHome, nil
		}
		return route, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownRoute, route)
	}
}

func (n *Navigator) redirectAuthenticated(route Route) (Route, error) {
	_, hasSession := n.state.Session()
	switch route {
	case RouteHome:
		if hasSession {
			return RouteDashboard, nil
		}
		return RouteAuth, nil
	case RouteAuth:
		if hasSession {
			return RouteDashboard, nil
		}
		return RouteAuth, nil
	case RouteDashboard, RouteChat, RouteNotes:
		if !hasSession {
			return RouteAuth, nil
		}
		return route, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownRoute, route)
	}
}
